package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/signal"
)

var (
	// entity command flags
	entityType  string
	entityName  string
	entityLimit int
)

func init() {
	rootCmd.AddCommand(entityCmd)
	entityCmd.AddCommand(entityGetCmd)
	entityCmd.AddCommand(entitySearchCmd)
	entityCmd.AddCommand(entityDeactivateCmd)

	entitySearchCmd.Flags().StringVar(&entityType, "type", "", "Filter by entity type (company, property, person)")
	entitySearchCmd.Flags().StringVar(&entityName, "name", "", "Filter by canonical name or alias substring")
	entitySearchCmd.Flags().IntVar(&entityLimit, "limit", 100, "Maximum number of entities to return")
}

var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Inspect the entity registry",
	Long: `Inspect the canonical entity registry.

Examples:
  # Look up one entity
  dsctl entity get 7f8c0c1e-...

  # Search companies by name
  dsctl entity search --type company --name "meridian"

  # Retire an entity from candidate matching
  dsctl entity deactivate 7f8c0c1e-...`,
}

var entityGetCmd = &cobra.Command{
	Use:   "get <entity-id>",
	Short: "Show one registry entity",
	Long: `Show a registry entity by ID.

Examples:
  # Look up an entity
  dsctl entity get 7f8c0c1e-...

  # Raw JSON
  dsctl entity get 7f8c0c1e-... --json`,
	Args: cobra.ExactArgs(1),
	RunE: runEntityGet,
}

var entitySearchCmd = &cobra.Command{
	Use:   "search",
	Short: "List registry entities",
	Long: `List registry entities, optionally filtered by type and name.

The name filter matches normalized canonical names and aliases within
the newest entities; it is an operator lookup, not the resolver.

Examples:
  # Newest entities
  dsctl entity search

  # Companies whose name or alias contains "meridian"
  dsctl entity search --type company --name meridian

  # Raw JSON
  dsctl entity search --name meridian --json`,
	RunE: runEntitySearch,
}

var entityDeactivateCmd = &cobra.Command{
	Use:   "deactivate <entity-id>",
	Short: "Retire an entity",
	Long: `Retire an entity from candidate matching.

Retired entities stop matching new mentions but are never deleted;
signals already bound to them keep their history.

Examples:
  # Retire an entity
  dsctl entity deactivate 7f8c0c1e-...`,
	Args: cobra.ExactArgs(1),
	RunE: runEntityDeactivate,
}

// EntityListResponse matches internal/httpapi/handlers.go EntityListResponse
type EntityListResponse struct {
	Entities []*signal.Entity `json:"entities"`
	Count    int              `json:"count"`
}

// DeactivateResponse matches internal/httpapi/handlers.go DeactivateResponse
type DeactivateResponse struct {
	EntityID string `json:"entity_id"`
	Active   bool   `json:"active"`
}

// runEntityGet handles the entity get command
func runEntityGet(cmd *cobra.Command, args []string) error {
	var entity signal.Entity
	if err := getJSON("/api/v1/entities/"+url.PathEscape(args[0]), &entity); err != nil {
		return err
	}

	if asJSON {
		return outputJSON(entity)
	}

	fmt.Printf("ID: %s\n", entity.ID)
	fmt.Printf("Type: %s\n", entity.Type)
	fmt.Printf("Name: %s\n", entity.CanonicalName)
	fmt.Printf("Active: %t\n", entity.Active)
	if entity.Provisional {
		fmt.Printf("Provisional: true\n")
	}
	for scheme, value := range entity.Identifiers {
		fmt.Printf("Identifier: %s=%s\n", scheme, value)
	}
	for _, alias := range entity.Aliases {
		fmt.Printf("Alias: %s\n", alias)
	}
	fmt.Printf("Created: %s\n", entity.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated: %s\n", entity.UpdatedAt.Format("2006-01-02 15:04:05"))
	return nil
}

// runEntitySearch handles the entity search command
func runEntitySearch(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	if entityType != "" {
		params.Set("type", entityType)
	}
	if entityName != "" {
		params.Set("name", entityName)
	}
	params.Set("limit", strconv.Itoa(entityLimit))

	var list EntityListResponse
	if err := getJSON("/api/v1/entities?"+params.Encode(), &list); err != nil {
		return err
	}

	if asJSON {
		return outputJSON(list)
	}

	if list.Count == 0 {
		fmt.Println("No entities found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tNAME\tACTIVE\tPROVISIONAL\tUPDATED")
	for _, e := range list.Entities {
		provisional := ""
		if e.Provisional {
			provisional = "yes"
		}
		active := "yes"
		if !e.Active {
			active = "no"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(e.ID, 12),
			e.Type,
			truncate(e.CanonicalName, 40),
			active,
			provisional,
			e.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	w.Flush()

	return nil
}

// runEntityDeactivate handles the entity deactivate command
func runEntityDeactivate(cmd *cobra.Command, args []string) error {
	var resp DeactivateResponse
	path := "/api/v1/entities/" + url.PathEscape(args[0]) + "/deactivate"
	if err := postJSON(path, nil, http.StatusOK, &resp); err != nil {
		return err
	}

	if asJSON {
		return outputJSON(resp)
	}

	fmt.Printf("Entity %s deactivated\n", resp.EntityID)
	return nil
}
