package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/content"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/content/service"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/workflow"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/grpc"
)

// criteriaFlags registers the selection flags shared by content commands.
type criteriaFlags struct {
	repo     *string
	types    *string
	limit    *int
	pageSize *int
	filters  pairList
}

func newCriteriaFlags(fs *flag.FlagSet, repoFlag string) *criteriaFlags {
	cf := &criteriaFlags{
		repo:     fs.String(repoFlag, "", "repository to select units from"),
		types:    fs.String("type", "", "comma-separated unit types (default all)"),
		limit:    fs.Int("limit", 0, "stop after this many units (0 means no limit)"),
		pageSize: fs.Int("page-size", 0, "units per page (default from config)"),
	}
	fs.Var(&cf.filters, "filter", "unit key field as key=value (repeatable)")
	return cf
}

func (cf *criteriaFlags) criteria() (content.Criteria, error) {
	types, err := content.ParseUnitTypes(*cf.types)
	if err != nil {
		return content.Criteria{}, err
	}
	filters, err := content.ParseFilters(cf.filters)
	if err != nil {
		return content.Criteria{}, err
	}
	c := content.Criteria{RepoID: *cf.repo, Types: types, Filters: filters, Limit: *cf.limit}
	return c, c.Validate()
}

// runner dials the content service. The returned close func releases the
// connection.
func (a *app) runner(pageSize int) (*workflow.Runner, func(), error) {
	if pageSize <= 0 {
		pageSize = a.cfg.Paging.PageSize
	}
	conn, err := grpc.Dial(a.cfg.Remote.ContentRPCAddr)
	if err != nil {
		return nil, nil, err
	}
	r, err := workflow.New(service.NewRPCClient(conn), pageSize, a.metrics)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return r, func() { conn.Close() }, nil
}

func runRemove(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("remove", flag.ContinueOnError)
	cf := newCriteriaFlags(fs, "repo")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := cf.criteria()
	if err != nil {
		return err
	}
	r, closeFn, err := a.runner(*cf.pageSize)
	if err != nil {
		return err
	}
	defer closeFn()

	res, err := r.Remove(ctx, c)
	fmt.Fprintf(a.out, "removed %d of %d matching units from %s in %d pages\n", res.Changed, res.Records, c.RepoID, res.Pages)
	return err
}

func runCopy(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("copy", flag.ContinueOnError)
	cf := newCriteriaFlags(fs, "from")
	to := fs.String("to", "", "destination repository")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := cf.criteria()
	if err != nil {
		return err
	}
	r, closeFn, err := a.runner(*cf.pageSize)
	if err != nil {
		return err
	}
	defer closeFn()

	res, err := r.Copy(ctx, c, *to)
	fmt.Fprintf(a.out, "copied %d of %d matching units from %s to %s in %d pages\n", res.Changed, res.Records, c.RepoID, *to, res.Pages)
	return err
}

func runSearch(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	cf := newCriteriaFlags(fs, "repo")
	asJSON := fs.Bool("json", false, "print one JSON object per unit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := cf.criteria()
	if err != nil {
		return err
	}
	r, closeFn, err := a.runner(*cf.pageSize)
	if err != nil {
		return err
	}
	defer closeFn()

	if *asJSON {
		enc := json.NewEncoder(a.out)
		_, err = r.Search(ctx, c, func(page []content.Unit) error {
			for _, u := range page {
				if err := enc.Encode(u); err != nil {
					return err
				}
			}
			return nil
		})
		return err
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tKEY")
	res, err := r.Search(ctx, c, func(page []content.Unit) error {
		for _, u := range page {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", u.ID, u.Type, formatKey(u))
		}
		return tw.Flush()
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%d units\n", res.Records)
	return nil
}

func runExport(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	cf := newCriteriaFlags(fs, "repo")
	output := fs.String("o", "", "write the export to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := cf.criteria()
	if err != nil {
		return err
	}
	r, closeFn, err := a.runner(*cf.pageSize)
	if err != nil {
		return err
	}
	defer closeFn()

	if *output == "" || *output == "-" {
		_, err := r.Export(ctx, c, a.out)
		return err
	}

	// The file only appears once every page is written.
	tmp, err := os.CreateTemp(filepath.Dir(*output), "."+filepath.Base(*output)+".*")
	if err != nil {
		return fmt.Errorf("creating export file: %w", err)
	}
	defer os.Remove(tmp.Name())
	res, err := r.Export(ctx, c, tmp)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), *output); err != nil {
		return fmt.Errorf("writing %s: %w", *output, err)
	}
	fmt.Fprintf(a.out, "exported %d units from %s to %s in %d pages\n", res.Records, c.RepoID, *output, res.Pages)
	return nil
}

// formatKey renders the key in the unit type's field order.
func formatKey(u content.Unit) string {
	fields := u.Type.KeyFields()
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f + "=" + u.Key[f]
	}
	return strings.Join(parts, " ")
}
