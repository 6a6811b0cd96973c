package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sloppy/tplsync/internal/db"
	"github.com/sloppy/tplsync/internal/export"
	"github.com/sloppy/tplsync/internal/importer"
	"github.com/sloppy/tplsync/internal/linkage"
	"github.com/sloppy/tplsync/internal/scope"
	"github.com/sloppy/tplsync/internal/web"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the web UI and JSON API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, flags)
			if err != nil {
				return err
			}
			defer e.close()
			if port > 0 {
				e.cfg.Server.Port = fmt.Sprintf(":%d", port)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			server := web.NewServer(e.cfg, e.svc)
			if err := server.Start(ctx); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "listening on http://localhost%s\n", e.cfg.Server.Port)

			<-ctx.Done()
			logrus.Info("Received shutdown signal")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Stop(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			logrus.Info("Shutdown complete")
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "port to listen on, overrides server.port")
	return cmd
}

func newImportCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>...",
		Short: "Import templates and hosts from YAML or XML documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, flags)
			if err != nil {
				return err
			}
			defer e.close()

			im := importer.New(e.svc)
			for _, path := range args {
				stats, err := im.ImportFile(cmd.Context(), path)
				if err != nil {
					return fmt.Errorf("import %s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %s: %d templates, %d hosts, %d entities, %d links, %d skipped\n",
					filepath.Base(path), stats.Templates, stats.Hosts, stats.Entities, stats.Links, stats.Skipped)
			}
			return nil
		},
	}
	return cmd
}

func newExportCmd(flags *globalFlags) *cobra.Command {
	var (
		format     string
		selections []string
		output     string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export hosts and templates with their inherited configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(strings.ToLower(format))
			if err != nil {
				return err
			}
			m, err := scope.NewMatcher(selections)
			if err != nil {
				return err
			}
			e, err := openEnv(cmd, flags)
			if err != nil {
				return err
			}
			defer e.close()

			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer file.Close()
				w = file
			}
			if err := export.Export(cmd.Context(), e.svc, m, f, w); err != nil {
				return fmt.Errorf("export: %w", err)
			}
			if output != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "exported %s (%s)\n", output, f)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "json, yaml, csv or text")
	cmd.Flags().StringSliceVar(&selections, "select", nil, "host selectors: name glob, IP, CIDR or range; prefix ! to exclude")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func newHostsCmd(flags *globalFlags) *cobra.Command {
	var selections []string
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "List hosts and templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := scope.NewMatcher(selections)
			if err != nil {
				return err
			}
			e, err := openEnv(cmd, flags)
			if err != nil {
				return err
			}
			defer e.close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			err = e.svc.View(cmd.Context(), func(ctx context.Context, tx *db.Tx) error {
				hosts, err := tx.Hosts(ctx, db.HostFilter{Flags: []db.Flag{db.FlagNormal}})
				if err != nil {
					return err
				}
				for _, h := range m.Filter(hosts) {
					tplIDs, err := tx.TemplateIDsOf(ctx, h.ID)
					if err != nil {
						return err
					}
					names, err := tx.HostNames(ctx, tplIDs)
					if err != nil {
						return err
					}
					templates := make([]string, 0, len(tplIDs))
					for _, id := range tplIDs {
						templates = append(templates, names[id])
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", h.ID, h.Host, h.Status, h.IP, strings.Join(templates, ", "))
				}
				return nil
			})
			if err != nil {
				return err
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&selections, "select", nil, "host selectors: name glob, IP, CIDR or range; prefix ! to exclude")
	return cmd
}

func newCreateHostCmd(flags *globalFlags) *cobra.Command {
	var (
		template  bool
		name      string
		ip        string
		dns       string
		port      int
		groups    []string
		templates []string
	)
	cmd := &cobra.Command{
		Use:   "create-host <host>",
		Short: "Create a host or template and link templates to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(groups) == 0 {
				return fmt.Errorf("at least one --group is required")
			}
			e, err := openEnv(cmd, flags)
			if err != nil {
				return err
			}
			defer e.close()

			tplIDs, err := e.resolve(cmd.Context(), templates)
			if err != nil {
				return err
			}
			status := db.HostMonitored
			if template {
				status = db.HostTemplate
			}
			h, res, err := e.svc.CreateHost(cmd.Context(), db.Host{
				Host:   args[0],
				Name:   name,
				Status: status,
				IP:     ip,
				DNS:    dns,
				Port:   port,
				UseIP:  ip != "",
			}, groups, tplIDs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s %d\t%s\n", h.Status, h.ID, h.Host)
			printMessages(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&template, "template", false, "create a template")
	cmd.Flags().StringVar(&name, "name", "", "visible name")
	cmd.Flags().StringVar(&ip, "ip", "", "IP address")
	cmd.Flags().StringVar(&dns, "dns", "", "DNS name")
	cmd.Flags().IntVar(&port, "port", 10050, "agent port")
	cmd.Flags().StringSliceVar(&groups, "group", nil, "host group, created when missing")
	cmd.Flags().StringSliceVar(&templates, "link", nil, "template to link")
	return cmd
}

func newLinkCmd(flags *globalFlags) *cobra.Command {
	var templates, hosts []string
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Link templates to hosts or templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(templates) == 0 || len(hosts) == 0 {
				return fmt.Errorf("link requires --template and --host")
			}
			e, err := openEnv(cmd, flags)
			if err != nil {
				return err
			}
			defer e.close()

			tplIDs, err := e.resolve(cmd.Context(), templates)
			if err != nil {
				return err
			}
			hostIDs, err := e.resolve(cmd.Context(), hosts)
			if err != nil {
				return err
			}
			res, err := e.svc.Link(cmd.Context(), tplIDs, hostIDs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "linked %d new pairs\n", len(res.Created))
			printMessages(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&templates, "template", nil, "template to link")
	cmd.Flags().StringSliceVar(&hosts, "host", nil, "target host or template")
	return cmd
}

func newUnlinkCmd(flags *globalFlags) *cobra.Command {
	var (
		templates, hosts []string
		clear            bool
	)
	cmd := &cobra.Command{
		Use:   "unlink",
		Short: "Unlink templates from hosts, every linked host when --host is omitted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(templates) == 0 {
				return fmt.Errorf("unlink requires --template")
			}
			e, err := openEnv(cmd, flags)
			if err != nil {
				return err
			}
			defer e.close()

			tplIDs, err := e.resolve(cmd.Context(), templates)
			if err != nil {
				return err
			}
			var hostIDs []int64
			if len(hosts) > 0 {
				if hostIDs, err = e.resolve(cmd.Context(), hosts); err != nil {
					return err
				}
			}
			res, err := e.svc.Unlink(cmd.Context(), tplIDs, hostIDs, clear)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d links\n", res.Removed)
			printMessages(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&templates, "template", nil, "template to unlink")
	cmd.Flags().StringSliceVar(&hosts, "host", nil, "host or template to unlink from")
	cmd.Flags().BoolVar(&clear, "clear", false, "also delete the inherited entities")
	return cmd
}

func newDeleteHostCmd(flags *globalFlags) *cobra.Command {
	var unlinkMode bool
	cmd := &cobra.Command{
		Use:   "delete-host <host|id>",
		Short: "Delete a host or template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, flags)
			if err != nil {
				return err
			}
			defer e.close()

			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				ids, err := e.resolve(cmd.Context(), args[:1])
				if err != nil {
					return err
				}
				id = ids[0]
			}
			res, err := e.svc.DeleteHost(cmd.Context(), id, unlinkMode)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			printMessages(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&unlinkMode, "unlink", false, "keep copies on linked hosts as their own entities")
	return cmd
}

func printMessages(w io.Writer, res linkage.Result) {
	for _, msg := range res.Messages {
		fmt.Fprintf(w, "  %s\n", msg)
	}
}
