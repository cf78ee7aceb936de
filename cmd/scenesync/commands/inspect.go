package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/scenesync/db"
	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/logger"
	"github.com/teranos/scenesync/registry"
	"github.com/teranos/scenesync/scene"
	"github.com/teranos/scenesync/server"
	"github.com/teranos/scenesync/store"
)

// InspectCmd shows the saved scene or a running peer's status
var InspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show the saved scene or a running peer's status",
	Long: `Without --url, list the entities saved in the database together with
save statistics. With --url, ask a running peer for its live status.

Examples:
  scenesync inspect                          # saved scene
  scenesync inspect --type mesh              # only meshes
  scenesync inspect --url http://studio.local:8877`,
	RunE: runInspect,
}

var (
	inspectURL    string
	inspectDBPath string
	inspectType   string
)

func init() {
	InspectCmd.Flags().StringVar(&inspectURL, "url", "", "Query a running peer instead of the database")
	InspectCmd.Flags().StringVar(&inspectDBPath, "db-path", "", "Custom database path (overrides config)")
	InspectCmd.Flags().StringVar(&inspectType, "type", "", "Only list entities of this type")
}

func runInspect(cmd *cobra.Command, args []string) error {
	if inspectURL != "" {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		st, err := fetchStatus(ctx, inspectURL)
		if err != nil {
			return err
		}
		return renderStatus(st)
	}

	cfg, err := loadConfig(peerFlags{dbPath: inspectDBPath})
	if err != nil {
		return err
	}
	var filter scene.EntityType
	if inspectType != "" {
		if filter, err = scene.ParseEntityType(inspectType); err != nil {
			return err
		}
	}

	database, err := db.OpenWithMigrations(cfg.GetDatabasePath(), logger.Logger)
	if err != nil {
		return errors.Wrapf(err, "failed to open database at %s", cfg.GetDatabasePath())
	}
	defer database.Close()

	s := store.New(database, "", logger.Logger)
	reg := registry.New(logger.Logger)
	if err := s.LoadRegistry(reg); err != nil {
		return err
	}
	stats, err := s.Stats()
	if err != nil {
		return err
	}

	if err := renderEntities(reg, filter); err != nil {
		return err
	}
	return renderStats(stats)
}

// fetchStatus asks a running peer for GET /api/status.
func fetchStatus(ctx context.Context, rawURL string) (*server.StatusResponse, error) {
	statusURL := statusEndpoint(rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, errors.NewInvalidRequestError("invalid peer URL %q", rawURL)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.WithHint(
			errors.Wrapf(errors.NewTransportError(err), "failed to reach %s", statusURL),
			"check that the peer runs `scenesync serve` and the address is reachable",
		)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("%s returned %s", statusURL, resp.Status)
	}
	var st server.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, errors.Wrapf(err, "failed to decode status from %s", statusURL)
	}
	return &st, nil
}

// statusEndpoint turns a peer address into its status URL.
func statusEndpoint(raw string) string {
	u := strings.TrimRight(raw, "/")
	switch {
	case strings.HasPrefix(u, "ws://"):
		u = "http://" + strings.TrimPrefix(u, "ws://")
	case strings.HasPrefix(u, "wss://"):
		u = "https://" + strings.TrimPrefix(u, "wss://")
	case !strings.Contains(u, "://"):
		u = "http://" + u
	}
	u = strings.TrimSuffix(u, server.ScenePath)
	return u + "/api/status"
}

func renderStatus(st *server.StatusResponse) error {
	pterm.DefaultSection.Printf("Peer %s", st.Peer.Short())
	rows := pterm.TableData{
		{"Name", st.Name},
		{"State", st.State},
		{"Version", st.Version},
		{"Entities", fmt.Sprint(st.Entities)},
		{"Pending", fmt.Sprint(st.Pending)},
		{"Sequence", fmt.Sprint(st.Sequence)},
	}
	if err := pterm.DefaultTable.WithData(rows).Render(); err != nil {
		return err
	}

	if len(st.Watermarks) > 0 {
		pterm.DefaultSection.Println("Watermarks")
		origins := make([]string, 0, len(st.Watermarks))
		for origin := range st.Watermarks {
			origins = append(origins, string(origin))
		}
		sort.Strings(origins)
		data := pterm.TableData{{"Origin", "Sequence"}}
		for _, origin := range origins {
			data = append(data, []string{origin, fmt.Sprint(st.Watermarks[scene.PeerID(origin)])})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
	}

	pterm.DefaultSection.Println("Sessions")
	if len(st.Links) == 0 {
		pterm.Info.Println("No peers connected")
		return nil
	}
	data := pterm.TableData{{"Session", "Remote"}}
	for _, l := range st.Links {
		data = append(data, []string{l.ID, l.Remote.Short()})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func renderEntities(reg *registry.Registry, filter scene.EntityType) error {
	entities := reg.All()
	sort.Slice(entities, func(i, j int) bool {
		if entities[i].Type != entities[j].Type {
			return entities[i].Type < entities[j].Type
		}
		return entities[i].ID < entities[j].ID
	})

	data := pterm.TableData{{"Type", "Name", "ID", "Attributes"}}
	for _, e := range entities {
		if filter != "" && e.Type != filter {
			continue
		}
		data = append(data, []string{string(e.Type), e.Name(), string(e.ID), fmt.Sprint(len(e.Attrs))})
	}
	if len(data) == 1 {
		pterm.Info.Println("The saved scene is empty")
		return nil
	}
	pterm.DefaultSection.Println("Entities")
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func renderStats(stats *store.Stats) error {
	pterm.DefaultSection.Println("Saved registry")
	last := "never"
	if stats.LastSaved != nil {
		last = stats.LastSaved.Local().Format(time.RFC3339)
	}
	rows := pterm.TableData{
		{"Entities", fmt.Sprint(stats.Entities)},
		{"Tombstones", fmt.Sprint(stats.Tombstones)},
		{"Origins", fmt.Sprint(stats.Origins)},
		{"Saves", fmt.Sprint(stats.Saves)},
		{"Last saved", last},
	}
	types := make([]string, 0, len(stats.ByType))
	for typ := range stats.ByType {
		types = append(types, typ)
	}
	sort.Strings(types)
	for _, typ := range types {
		rows = append(rows, []string{"  " + typ, fmt.Sprint(stats.ByType[typ])})
	}
	return pterm.DefaultTable.WithData(rows).Render()
}
