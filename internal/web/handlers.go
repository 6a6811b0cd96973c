package web

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sloppy/tplsync/internal/apierr"
	"github.com/sloppy/tplsync/internal/db"
	"github.com/sloppy/tplsync/internal/export"
	"github.com/sloppy/tplsync/internal/importer"
	"github.com/sloppy/tplsync/internal/scope"
)

// maxImportSize caps import bodies.
const maxImportSize = 32 << 20

type hostSummary struct {
	ID        int64    `json:"id"`
	Host      string   `json:"host"`
	Name      string   `json:"name,omitempty"`
	Status    string   `json:"status"`
	IP        string   `json:"ip,omitempty"`
	Templates []string `json:"templates"`
}

type createHostRequest struct {
	Host      string   `json:"host" validate:"required,max=128"`
	Name      string   `json:"name" validate:"max=128"`
	Template  bool     `json:"template"`
	Status    string   `json:"status" validate:"omitempty,oneof=monitored 'not monitored'"`
	IP        string   `json:"ip" validate:"omitempty,ip"`
	DNS       string   `json:"dns" validate:"omitempty,max=255"`
	Port      int      `json:"port" validate:"omitempty,min=1,max=65535"`
	Groups    []string `json:"groups" validate:"required,min=1,dive,required"`
	Templates []int64  `json:"templates" validate:"dive,gt=0"`
}

type linkRequest struct {
	Templates []int64 `json:"templates" validate:"required,min=1,dive,gt=0"`
	Hosts     []int64 `json:"hosts" validate:"required,min=1,dive,gt=0"`
}

type unlinkRequest struct {
	Templates []int64 `json:"templates" validate:"required,min=1,dive,gt=0"`
	// Hosts nil unlinks from every linked host.
	Hosts []int64 `json:"hosts" validate:"omitempty,dive,gt=0"`
	Clear bool    `json:"clear"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/hosts", http.StatusFound)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Store().PingContext(r.Context()); err != nil {
		s.jsonResponse(w, map[string]string{"status": "unavailable"}, http.StatusServiceUnavailable)
		return
	}
	s.jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// listHosts returns hosts and templates matching the "select" parameters.
func (s *Server) listHosts(ctx context.Context, r *http.Request) ([]hostSummary, error) {
	m, err := scope.NewMatcher(selectors(r.URL.Query()))
	if err != nil {
		return nil, err
	}
	var out []hostSummary
	err = s.svc.View(ctx, func(ctx context.Context, tx *db.Tx) error {
		hosts, err := tx.Hosts(ctx, db.HostFilter{Flags: []db.Flag{db.FlagNormal}})
		if err != nil {
			return err
		}
		hosts = m.Filter(hosts)
		out = make([]hostSummary, 0, len(hosts))
		for _, h := range hosts {
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
			out = append(out, hostSummary{
				ID:        h.ID,
				Host:      h.Host,
				Name:      h.Name,
				Status:    h.Status.String(),
				IP:        h.IP,
				Templates: templates,
			})
		}
		return nil
	})
	return out, err
}

func (s *Server) handleHostsList(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.listHosts(r.Context(), r)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, hosts, http.StatusOK)
}

func (s *Server) handleHostsCreate(w http.ResponseWriter, r *http.Request) {
	var req createHostRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, err)
		return
	}
	status := db.HostMonitored
	switch {
	case req.Template:
		if req.Status != "" {
			s.badRequest(w, fmt.Errorf("templates have no monitoring status"))
			return
		}
		status = db.HostTemplate
	case req.Status == "not monitored":
		status = db.HostNotMonitored
	}
	host, res, err := s.svc.CreateHost(r.Context(), db.Host{
		Host:   strings.TrimSpace(req.Host),
		Name:   strings.TrimSpace(req.Name),
		Status: status,
		IP:     req.IP,
		DNS:    req.DNS,
		Port:   req.Port,
		UseIP:  req.IP != "",
	}, req.Groups, req.Templates)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, map[string]interface{}{
		"id":     host.ID,
		"host":   host.Host,
		"status": host.Status.String(),
		"result": res,
	}, http.StatusCreated)
}

func (s *Server) handleHostGet(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.loadHost(w, r)
	if !ok {
		return
	}
	s.jsonResponse(w, cfg, http.StatusOK)
}

func (s *Server) handleHostApplications(w http.ResponseWriter, r *http.Request) {
	if cfg, ok := s.loadHost(w, r); ok {
		s.jsonResponse(w, cfg.Applications, http.StatusOK)
	}
}

func (s *Server) handleHostItems(w http.ResponseWriter, r *http.Request) {
	if cfg, ok := s.loadHost(w, r); ok {
		s.jsonResponse(w, cfg.Items, http.StatusOK)
	}
}

func (s *Server) handleHostTriggers(w http.ResponseWriter, r *http.Request) {
	if cfg, ok := s.loadHost(w, r); ok {
		s.jsonResponse(w, cfg.Triggers, http.StatusOK)
	}
}

func (s *Server) handleHostGraphs(w http.ResponseWriter, r *http.Request) {
	if cfg, ok := s.loadHost(w, r); ok {
		s.jsonResponse(w, cfg.Graphs, http.StatusOK)
	}
}

func (s *Server) loadHost(w http.ResponseWriter, r *http.Request) (export.HostConfig, bool) {
	hostID, err := parseHostID(r)
	if err != nil {
		s.errorResponse(w, err)
		return export.HostConfig{}, false
	}
	cfg, err := export.LoadHost(r.Context(), s.svc, hostID)
	if err != nil {
		s.errorResponse(w, err)
		return export.HostConfig{}, false
	}
	return cfg, true
}

func (s *Server) handleHostDelete(w http.ResponseWriter, r *http.Request) {
	hostID, err := parseHostID(r)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	unlinkMode, err := parseBool(r.URL.Query().Get("unlink"), false)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	res, err := s.svc.DeleteHost(r.Context(), hostID, unlinkMode)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, res, http.StatusOK)
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, err)
		return
	}
	res, err := s.svc.Link(r.Context(), req.Templates, req.Hosts)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, res, http.StatusOK)
}

func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	var req unlinkRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, err)
		return
	}
	res, err := s.svc.Unlink(r.Context(), req.Templates, req.Hosts, req.Clear)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, res, http.StatusOK)
}

// handleImport accepts a YAML or XML document as the request body. The
// format comes from the "format" parameter or the Content-Type.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	format := importer.FormatYAML
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format"))) {
	case "xml":
		format = importer.FormatXML
	case "", "yaml", "yml":
		if strings.Contains(r.Header.Get("Content-Type"), "xml") {
			format = importer.FormatXML
		}
	default:
		s.badRequest(w, fmt.Errorf("invalid import format"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxImportSize)
	doc, err := importer.Parse(r.Body, format)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	stats, err := s.importer.Import(r.Context(), doc)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, stats, http.StatusOK)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format"))))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	m, err := scope.NewMatcher(selectors(r.URL.Query()))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	hosts, err := export.Load(r.Context(), s.svc, m)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.writeExport(w, fmt.Sprintf("hosts.%s", format), format, hosts)
}

func (s *Server) handleHostExport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format"))))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	cfg, ok := s.loadHost(w, r)
	if !ok {
		return
	}
	s.writeExport(w, fmt.Sprintf("host-%d.%s", cfg.ID, format), format, []export.HostConfig{cfg})
}

func (s *Server) writeExport(w http.ResponseWriter, filename string, format export.Format, hosts []export.HostConfig) {
	attachment(w, filename)
	w.Header().Set("Content-Type", format.ContentType())
	if err := export.Write(w, format, hosts); err != nil {
		s.log.WithError(err).Error("Export failed")
	}
}

func (s *Server) handleHostsPage(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.listHosts(r.Context(), r)
	if err != nil {
		if apierr.KindOf(err) == apierr.KindParameters {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "failed to list hosts", http.StatusInternalServerError)
		return
	}
	render(w, r, hostsPage(hosts, strings.Join(selectors(r.URL.Query()), ", ")))
}

func (s *Server) handleHostPage(w http.ResponseWriter, r *http.Request) {
	hostID, err := parseHostID(r)
	if err != nil {
		http.Error(w, "invalid host id", http.StatusBadRequest)
		return
	}
	cfg, err := export.LoadHost(r.Context(), s.svc, hostID)
	if err != nil {
		if apierr.KindOf(err) == apierr.KindPermission {
			http.Error(w, "host not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load host", http.StatusInternalServerError)
		return
	}
	render(w, r, hostPage(cfg))
}
