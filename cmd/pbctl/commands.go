package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"beaconservice/go-beacon-admin/internal/app"
	"beaconservice/go-beacon-admin/internal/beaconid"
	"beaconservice/go-beacon-admin/internal/bulk"
	"beaconservice/go-beacon-admin/internal/config"
	"beaconservice/go-beacon-admin/internal/model"
	"beaconservice/go-beacon-admin/internal/proximity"
	"beaconservice/go-beacon-admin/internal/rest"
)

type clients struct {
	admin       *proximity.AdminClient
	serving     *proximity.ServingClient
	diagnostics *proximity.DiagnosticsClient
	apiKey      string
	logger      *slog.Logger
}

func newClients(cfg config.Config, logger *slog.Logger) (*clients, error) {
	exec := rest.New(cfg.API, logger)
	tokens := app.TokenSource(cfg.API)
	var opts []proximity.Option
	if cfg.API.ProjectID != "" {
		opts = append(opts, proximity.WithProjectID(cfg.API.ProjectID))
	}

	admin, err := proximity.NewAdminClient(exec, cfg.API.BaseURL, tokens, opts...)
	if err != nil {
		return nil, err
	}
	serving, err := proximity.NewServingClient(exec, cfg.API.BaseURL, opts...)
	if err != nil {
		return nil, err
	}
	diagnostics, err := proximity.NewDiagnosticsClient(exec, cfg.API.BaseURL, tokens, opts...)
	if err != nil {
		return nil, err
	}
	return &clients{admin: admin, serving: serving, diagnostics: diagnostics, apiKey: cfg.API.APIKey, logger: logger}, nil
}

// command is one pbctl subcommand. Flags are bound by setup into the
// closure that run later reads.
type command struct {
	name  string
	usage string
	setup func(fs *flag.FlagSet) func(ctx context.Context, c *clients) (any, error)
	run   func(ctx context.Context, c *clients) (any, error)
}

func (cmd *command) flags() *flag.FlagSet {
	fs := flag.NewFlagSet(cmd.name, flag.ContinueOnError)
	if cmd.setup != nil {
		cmd.run = cmd.setup(fs)
	}
	return fs
}

func (cmd *command) exec(ctx context.Context, c *clients, out io.Writer) error {
	var (
		v   any
		err error
	)
	if cmd.run == nil {
		v = commandList()
	} else if v, err = cmd.run(ctx, c); err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func lookup(name string) (*command, bool) {
	for _, cmd := range registry() {
		if cmd.name == name {
			return cmd, true
		}
	}
	return nil, false
}

func commandList() []map[string]string {
	cmds := registry()
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].name < cmds[j].name })

	list := make([]map[string]string, 0, len(cmds))
	for _, cmd := range cmds {
		list = append(list, map[string]string{"command": cmd.name, "usage": cmd.usage})
	}
	return list
}

var errMissingBeacon = errors.New("--beacon-id is required")

type placementFlags struct {
	placeID   *string
	lat, lng  *float64
	stability *string
	fs        *flag.FlagSet
}

func bindPlacement(fs *flag.FlagSet) placementFlags {
	return placementFlags{
		placeID:   fs.String("place-id", "", "Google Places id of the beacon location"),
		lat:       fs.Float64("latitude", 0, "beacon latitude"),
		lng:       fs.Float64("longitude", 0, "beacon longitude"),
		stability: fs.String("stability", "", "STABLE, PORTABLE, MOBILE or ROVING"),
		fs:        fs,
	}
}

func (p placementFlags) placement() model.Placement {
	pl := model.Placement{PlaceID: *p.placeID}
	set := false
	p.fs.Visit(func(f *flag.Flag) {
		if f.Name == "latitude" || f.Name == "longitude" {
			set = true
		}
	})
	if set {
		pl.LatLng = &model.LatLng{Latitude: *p.lat, Longitude: *p.lng}
	}
	return pl
}

// detailFlags holds the descriptive fields of a beacon. Only flags given on
// the command line are sent, so update leaves the others unchanged.
type detailFlags struct {
	description *string
	indoorLevel *string
	properties  map[string]string
	fs          *flag.FlagSet
}

func bindDetails(fs *flag.FlagSet) *detailFlags {
	d := &detailFlags{
		description: fs.String("description", "", "free-form beacon description"),
		indoorLevel: fs.String("indoor-level", "", "name of the floor the beacon is on"),
		fs:          fs,
	}
	fs.Func("property", "key=value beacon property, repeatable", func(v string) error {
		k, val, ok := strings.Cut(v, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("property %q: expected key=value", v)
		}
		if d.properties == nil {
			d.properties = make(map[string]string)
		}
		d.properties[strings.TrimSpace(k)] = val
		return nil
	})
	return d
}

func (d *detailFlags) details() []proximity.Detail {
	var details []proximity.Detail
	d.fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "description":
			details = append(details, proximity.WithDescription(*d.description))
		case "indoor-level":
			details = append(details, proximity.WithIndoorLevel(*d.indoorLevel))
		case "property":
			details = append(details, proximity.WithProperties(d.properties))
		}
	})
	return details
}

func sourceFlag(fs *flag.FlagSet) *string {
	return fs.String("source-csv", "", "path of the CSV sheet")
}

func openSheet(path string) (*os.File, error) {
	if path == "" {
		return nil, errors.New("--source-csv is required")
	}
	return os.Open(path)
}

type bulkOutput struct {
	Results []bulk.Result `json:"results"`
	Failed  int           `json:"failed"`
}

func beaconFlag(fs *flag.FlagSet) *string {
	return fs.String("beacon-id", "", "hex beacon id")
}

func requireBeacon(id string) error {
	if id == "" {
		return errMissingBeacon
	}
	return nil
}

func registry() []*command {
	return []*command{
		{
			name:  "list-commands",
			usage: "list available commands",
		},
		{
			name:  "register-beacon",
			usage: "register a beacon as ACTIVE",
			setup: func(fs *flag.FlagSet) func(context.Context, *clients) (any, error) {
				id := beaconFlag(fs)
				p := bindPlacement(fs)
				d := bindDetails(fs)
				return func(ctx context.Context, c *clients) (any, error) {
					if err := requireBeacon(*id); err != nil {
						return nil, err
					}
					return c.admin.Register(ctx, *id, p.placement(), model.Stability(*p.stability), d.details()...)
				}
			},
		},
		{
			name:  "update-beacon",
			usage: "change the placement or details of a registered beacon, keeping the rest",
			setup: func(fs *flag.FlagSet) func(context.Context, *clients) (any, error) {
				id := beaconFlag(fs)
				p := bindPlacement(fs)
				d := bindDetails(fs)
				return func(ctx context.Context, c *clients) (any, error) {
					if err := requireBeacon(*id); err != nil {
						return nil, err
					}
					return c.admin.Update(ctx, *id, p.placement(), model.Stability(*p.stability), d.details()...)
				}
			},
		},
		{
			name:  "bulk-register",
			usage: "register every beacon listed in a CSV sheet",
			setup: func(fs *flag.FlagSet) func(context.Context, *clients) (any, error) {
				src := sourceFlag(fs)
				dry := fs.Bool("dry-run", false, "print the parsed rows without registering")
				return func(ctx context.Context, c *clients) (any, error) {
					f, err := openSheet(*src)
					if err != nil {
						return nil, err
					}
					defer f.Close()

					rows, err := bulk.ParseRegistrations(f)
					if err != nil {
						return nil, err
					}
					if *dry {
						return rows, nil
					}
					results := bulk.NewRunner(c.admin, c.logger).Register(ctx, rows)
					return bulkOutput{Results: results, Failed: bulk.Failed(results)}, nil
				}
			},
		},
		{
			name:  "set-places",
			usage: "set the place id of every beacon listed in a CSV sheet",
			setup: func(fs *flag.FlagSet) func(context.Context, *clients) (any, error) {
				src := sourceFlag(fs)
				return func(ctx context.Context, c *clients) (any, error) {
					f, err := openSheet(*src)
					if err != nil {
						return nil, err
					}
					defer f.Close()

					places, err := bulk.ParsePlaces(f)
					if err != nil {
						return nil, err
					}
					results := bulk.NewRunner(c.admin, c.logger).SetPlaces(ctx, places)
					return bulkOutput{Results: results, Failed: bulk.Failed(results)}, nil
				}
			},
		},
		{
			name:  "get-beacon",
			usage: "show the registration of one or more beacons (comma separated)",
			setup: func(fs *flag.FlagSet) func(context.Context, *clients) (any, error) {
				id := beaconFlag(fs)
				return func(ctx context.Context, c *clients) (any, error) {
					if err := requireBeacon(*id); err != nil {
						return nil, err
					}
					ids := splitList(*id)
					if len(ids) == 1 {
						return c.admin.GetInfo(ctx, ids[0])
					}
					return infoResults(c.admin.GetInfos(ctx, ids)), nil
				}
			},
		},
		{
			name:  "list-beacons",
			usage: "list registered beacons, following page tokens",
			setup: func(fs *flag.FlagSet) func(context.Context, *clients) (any, error) {
				q := fs.String("q", "", "filter, e.g. status:active")
				return func(ctx context.Context, c *clients) (any, error) {
					return c.admin.ListAllBeacons(ctx, *q)
				}
			},
		},
		lifecycleCommand("activate-beacon", "mark a beacon ACTIVE", (*proximity.AdminClient).Activate),
		lifecycleCommand("deactivate-beacon", "mark a beacon INACTIVE", (*proximity.AdminClient).Deactivate),
		lifecycleCommand("decommission-beacon", "permanently retire a beacon", (*proximity.AdminClient).Decommission),
		lifecycleCommand("delete-beacon", "delete a beacon and everything attached to it", (*proximity.AdminClient).Delete),
		{
			name:  "list-namespaces",
			usage: "list attachment namespaces",
			run: func(ctx context.Context, c *clients) (any, error) {
				return c.admin.ListNamespaces(ctx)
			},
		},
		{
			name:  "list-attachments",
			usage: "list a beacon's attachments",
			setup: func(fs *flag.FlagSet) func(context.Context, *clients) (any, error) {
				id := beaconFlag(fs)
				nt := fs.String("namespaced-type", "", "namespace/type filter")
				return func(ctx context.Context, c *clients) (any, error) {
					if err := requireBeacon(*id); err != nil {
						return nil, err
					}
					return c.admin.ListAttachments(ctx, *id, *nt)
				}
			},
		},
		{
			name:  "create-attachment",
			usage: "attach data to a beacon",
			setup: func(fs *flag.FlagSet) func(context.Context, *clients) (any, error) {
				id := beaconFlag(fs)
				nt := fs.String("namespaced-type", "", "namespace/type of the attachment")
				data := fs.String("data", "", "attachment data")
				b64 := fs.Bool("base64", false, "data is base64 encoded")
				return func(ctx context.Context, c *clients) (any, error) {
					if err := requireBeacon(*id); err != nil {
						return nil, err
					}
					raw := []byte(*data)
					if *b64 {
						decoded, err := base64.StdEncoding.DecodeString(*data)
						if err != nil {
							return nil, beaconid.Invalid("data", *data, "not base64")
						}
						raw = decoded
					}
					return c.admin.AddAttachment(ctx, *id, *nt, raw)
				}
			},
		},
		{
			name:  "delete-attachment",
			usage: "delete one attachment by name",
			setup: func(fs *flag.FlagSet) func(context.Context, *clients) (any, error) {
				name := fs.String("attachment-name", "", "beacons/<id>/attachments/<uuid>")
				return func(ctx context.Context, c *clients) (any, error) {
					parsed, err := beaconid.ParseAttachmentName(*name)
					if err != nil {
						return nil, err
					}
					if err := c.admin.DeleteAttachment(ctx, parsed.BeaconID, *name); err != nil {
						return nil, err
					}
					return map[string]string{"deleted": *name}, nil
				}
			},
		},
		{
			name:  "delete-attachments",
			usage: "delete every attachment of a beacon matching a namespaced type",
			setup: func(fs *flag.FlagSet) func(context.Context, *clients) (any, error) {
				id := beaconFlag(fs)
				nt := fs.String("namespaced-type", "", "namespace/type filter")
				return func(ctx context.Context, c *clients) (any, error) {
					if err := requireBeacon(*id); err != nil {
						return nil, err
					}
					n, err := c.admin.DeleteAllAttachments(ctx, *id, *nt)
					if err != nil {
						return nil, err
					}
					return map[string]int{"num_deleted": n}, nil
				}
			},
		},
		{
			name:  "observe",
			usage: "look up the attachments served for an observed beacon",
			setup: func(fs *flag.FlagSet) func(context.Context, *clients) (any, error) {
				id := beaconFlag(fs)
				nt := fs.String("namespaced-type", "", "namespace/type filter, * for all")
				return func(ctx context.Context, c *clients) (any, error) {
					if err := requireBeacon(*id); err != nil {
						return nil, err
					}
					var filter *string
					fs.Visit(func(f *flag.Flag) {
						if f.Name == "namespaced-type" {
							filter = nt
						}
					})
					return c.serving.Observe(ctx, *id, c.apiKey, filter)
				}
			},
		},
		{
			name:  "diagnostics",
			usage: "show diagnostics for a beacon, or all beacons when --beacon-id is omitted",
			setup: func(fs *flag.FlagSet) func(context.Context, *clients) (any, error) {
				id := beaconFlag(fs)
				size := fs.Int("page-size", 0, "page size")
				token := fs.String("page-token", "", "page token")
				alert := fs.String("alert-filter", "", "only beacons with this alert")
				return func(ctx context.Context, c *clients) (any, error) {
					target := *id
					if target == "" {
						target = proximity.AllBeacons
					}
					return c.diagnostics.Diagnostics(ctx, target, *size, *token, *alert)
				}
			},
		},
	}
}

func lifecycleCommand(name, usage string, fn func(*proximity.AdminClient, context.Context, string) error) *command {
	return &command{
		name:  name,
		usage: usage,
		setup: func(fs *flag.FlagSet) func(context.Context, *clients) (any, error) {
			id := beaconFlag(fs)
			return func(ctx context.Context, c *clients) (any, error) {
				if err := requireBeacon(*id); err != nil {
					return nil, err
				}
				if err := fn(c.admin, ctx, *id); err != nil {
					return nil, err
				}
				canonical, _ := beaconid.Sanitize(*id)
				return map[string]string{"beacon_id": canonical, "result": "ok"}, nil
			}
		},
	}
}

type infoResult struct {
	Beacon *model.BeaconInfo `json:"beacon,omitempty"`
	Error  string            `json:"error,omitempty"`
}

func infoResults(results map[string]proximity.InfoResult) map[string]infoResult {
	out := make(map[string]infoResult, len(results))
	for id, r := range results {
		entry := infoResult{Beacon: r.Info}
		if r.Err != nil {
			entry.Error = r.Err.Error()
		}
		out[id] = entry
	}
	return out
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' })
}
