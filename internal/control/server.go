package control

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/autotier/autotier/internal/config"
	"github.com/autotier/autotier/internal/engine"
	"github.com/autotier/autotier/internal/metastore"
	"github.com/autotier/autotier/internal/metrics"
)

// Version is reported in status output.
const Version = "2.0.0"

// Server answers admin requests on the request pipe. Pin, unpin, and
// oneshot are queued for the tiering thread; everything else runs
// synchronously in the server goroutine.
type Server struct {
	cfg        *config.Config
	eng        *engine.Engine
	store      *metastore.Store
	metrics    *metrics.Collector
	mountPoint string
	log        *zap.SugaredLogger

	requestPath  string
	responsePath string
	stopped      chan struct{}
}

// NewServer creates the pipes under the run path if needed.
func NewServer(cfg *config.Config, eng *engine.Engine, store *metastore.Store,
	collector *metrics.Collector, mountPoint string, log *zap.SugaredLogger) (*Server, error) {

	s := &Server{
		cfg:          cfg,
		eng:          eng,
		store:        store,
		metrics:      collector,
		mountPoint:   mountPoint,
		log:          log,
		requestPath:  filepath.Join(cfg.RunPath, RequestPipe),
		responsePath: filepath.Join(cfg.RunPath, ResponsePipe),
		stopped:      make(chan struct{}),
	}
	for _, p := range []string{s.requestPath, s.responsePath} {
		if err := unix.Mkfifo(p, 0o644); err != nil && err != unix.EEXIST {
			return nil, fmt.Errorf("cannot create pipe %s: %w", p, err)
		}
	}
	return s, nil
}

// Run services requests until Stop. The blocking pipe read is interrupted
// by Stop opening the write end, after which the stop channel is checked.
func (s *Server) Run() {
	for {
		payload, err := readPayload(s.requestPath)
		select {
		case <-s.stopped:
			return
		default:
		}
		if err != nil {
			s.log.Warnf("control: %v", err)
			continue
		}
		if len(payload) == 0 {
			continue
		}
		s.dispatch(payload)
		s.eng.Wake()
	}
}

// Stop interrupts the blocked read and ends Run.
func (s *Server) Stop() {
	close(s.stopped)
	// unblock the reader: a transient writer produces an immediate EOF
	if f, err := os.OpenFile(s.requestPath, os.O_WRONLY|unix.O_NONBLOCK, 0); err == nil {
		f.Close()
	}
}

// respond writes the reply, first token OK or ERR.
func (s *Server) respond(payload []string) {
	if err := writePayload(s.responsePath, payload); err != nil {
		s.log.Warnf("control: %v", err)
	}
}

func (s *Server) respondErr(format string, args ...interface{}) {
	s.respond([]string{"ERR", fmt.Sprintf(format, args...)})
}

// dispatch routes one request payload.
func (s *Server) dispatch(payload []string) {
	cmd, args := payload[0], payload[1:]
	switch cmd {
	case "oneshot":
		s.handleOneshot(args)
	case "pin":
		s.handlePin(args)
	case "unpin":
		s.handleUnpin(args)
	case "status":
		s.handleStatus(args)
	case "config":
		s.respond([]string{"OK", s.cfg.Dump()})
	case "list-pins":
		s.handleListPins()
	case "list-popularity":
		s.handleListPopularity()
	case "which-tier":
		s.handleWhichTier(args)
	case "metrics":
		s.handleMetrics()
	default:
		s.log.Warnf("control: received bad ad hoc command %q", cmd)
		s.respond([]string{"ERR", "Not a command."})
	}
}

func (s *Server) handleOneshot(args []string) {
	if len(args) != 0 {
		s.respondErr("autotier oneshot takes no arguments. Offender(s): %s", strings.Join(args, " "))
		return
	}
	s.eng.Enqueue(engine.Work{Kind: engine.WorkOneshot})
	s.respond([]string{"OK", "Work queued."})
}

// relativize checks each path is inside the mount and strips the prefix.
func (s *Server) relativize(paths []string) ([]string, []string) {
	var rel, outside []string
	for _, p := range paths {
		if !strings.HasPrefix(p, s.mountPoint) {
			outside = append(outside, p)
			continue
		}
		rel = append(rel, metastore.NormalizeKey(strings.TrimPrefix(p, s.mountPoint)))
	}
	return rel, outside
}

func (s *Server) handlePin(args []string) {
	if len(args) < 2 {
		s.respondErr("autotier pin takes a tier name and at least one path.")
		return
	}
	tierID := args[0]
	found := false
	for _, t := range s.eng.Tiers() {
		if t.ID() == tierID {
			found = true
			break
		}
	}
	if !found {
		s.respondErr("Tier does not exist: %q", tierID)
		return
	}
	rel, outside := s.relativize(args[1:])
	if len(outside) > 0 {
		s.respondErr("Files are not in autotier filesystem: %s", strings.Join(outside, " "))
		return
	}
	s.eng.Enqueue(engine.Work{Kind: engine.WorkPin, TierID: tierID, Paths: rel})
	s.respond([]string{"OK", "Work queued."})
}

func (s *Server) handleUnpin(args []string) {
	if len(args) < 1 {
		s.respondErr("autotier unpin takes at least one path.")
		return
	}
	rel, outside := s.relativize(args)
	if len(outside) > 0 {
		s.respondErr("Files are not in autotier filesystem: %s", strings.Join(outside, " "))
		return
	}
	s.eng.Enqueue(engine.Work{Kind: engine.WorkUnpin, Paths: rel})
	s.respond([]string{"OK", "Work queued."})
}

// tierStatus is one row of status output.
type tierStatus struct {
	Name           string  `json:"name"`
	Capacity       int64   `json:"capacity"`
	CapacityPretty string  `json:"capacity_pretty"`
	Quota          int64   `json:"quota"`
	QuotaPretty    string  `json:"quota_pretty"`
	QuotaPercent   float64 `json:"quota_percent"`
	Usage          int64   `json:"usage"`
	UsagePretty    string  `json:"usage_pretty"`
	UsagePercent   float64 `json:"usage_percent"`
	Path           string  `json:"path"`
}

// statusDoc is the JSON form of the status command.
type statusDoc struct {
	Version   string       `json:"version"`
	Combined  tierStatus   `json:"combined"`
	Tiers     []tierStatus `json:"tiers"`
	Conflicts struct {
		HasConflicts bool     `json:"has_conflicts"`
		Paths        []string `json:"paths"`
	} `json:"conflicts"`
}

func (s *Server) gatherStatus() statusDoc {
	var doc statusDoc
	doc.Version = Version

	var totalCap, totalQuota, totalUsage int64
	for _, t := range s.eng.Tiers() {
		ts := tierStatus{
			Name:           t.ID(),
			Capacity:       t.Capacity(),
			CapacityPretty: units.BytesSize(float64(t.Capacity())),
			Quota:          t.QuotaBytes(),
			QuotaPretty:    units.BytesSize(float64(t.QuotaBytes())),
			QuotaPercent:   t.QuotaPercent(),
			Usage:          t.Usage(),
			UsagePretty:    units.BytesSize(float64(t.Usage())),
			UsagePercent:   t.UsagePercent(),
			Path:           t.Path(),
		}
		doc.Tiers = append(doc.Tiers, ts)
		totalCap += t.Capacity()
		totalQuota += t.QuotaBytes()
		totalUsage += t.Usage()
	}
	doc.Combined = tierStatus{
		Name:           "combined",
		Capacity:       totalCap,
		CapacityPretty: units.BytesSize(float64(totalCap)),
		Quota:          totalQuota,
		QuotaPretty:    units.BytesSize(float64(totalQuota)),
		QuotaPercent:   pct(totalQuota, totalCap),
		Usage:          totalUsage,
		UsagePretty:    units.BytesSize(float64(totalUsage)),
		UsagePercent:   pct(totalUsage, totalCap),
		Path:           s.mountPoint,
	}

	var tierPaths []string
	for _, t := range s.eng.Tiers() {
		tierPaths = append(tierPaths, t.Path())
	}
	conflicts, err := s.eng.Conflicts().Check(tierPaths)
	if err != nil {
		s.log.Warnf("control: %v", err)
	}
	doc.Conflicts.HasConflicts = len(conflicts) > 0
	doc.Conflicts.Paths = conflicts
	return doc
}

func pct(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) * 100.0 / float64(den)
}

func (s *Server) handleStatus(args []string) {
	mode := "table"
	if len(args) > 0 {
		mode = args[0]
	}
	doc := s.gatherStatus()
	switch mode {
	case "json":
		data, err := json.Marshal(doc)
		if err != nil {
			s.respondErr("Could not render status: %v", err)
			return
		}
		s.respond([]string{"OK", string(data)})
	case "table":
		s.respond(append([]string{"OK"}, renderStatusTable(doc)...))
	default:
		s.respondErr("Could not determine whether to use table or JSON output.")
	}
}

// renderStatusTable lays out the fixed-width table: combined row first,
// then one row per tier, then any conflicts.
func renderStatusTable(doc statusDoc) []string {
	nameW := len("combined")
	for _, t := range doc.Tiers {
		if len(t.Name) > nameW {
			nameW = len(t.Name)
		}
	}

	var lines []string
	lines = append(lines, fmt.Sprintf("%-*s %10s %10s %7s %10s %7s Path",
		nameW, "Tier", "Size", "Quota", "Quota%", "Use", "Use%"))
	lines = append(lines, strings.Repeat("-", 80))

	row := func(ts tierStatus) string {
		return fmt.Sprintf("%-*s %10s %10s %6.2f%% %10s %6.2f%% %s",
			nameW, ts.Name, ts.CapacityPretty, ts.QuotaPretty, ts.QuotaPercent,
			ts.UsagePretty, ts.UsagePercent, ts.Path)
	}
	lines = append(lines, row(doc.Combined))
	for _, ts := range doc.Tiers {
		lines = append(lines, row(ts))
	}

	if doc.Conflicts.HasConflicts {
		lines = append(lines, "")
		lines = append(lines, "autotier encountered conflicting file paths between tiers:")
		for _, c := range doc.Conflicts.Paths {
			lines = append(lines, c+"("+".autotier_conflict"+")")
		}
	}
	return lines
}

func (s *Server) handleListPins() {
	lines := []string{"OK", "File : Tier Path"}
	err := s.store.IterateAll(func(key string, meta *metastore.FileMeta) error {
		if meta.Pinned {
			lines = append(lines, fmt.Sprintf("%s : %s", key, meta.TierPath))
		}
		return nil
	})
	if err != nil {
		s.respondErr("Could not list pins: %v", err)
		return
	}
	s.respond(lines)
}

func (s *Server) handleListPopularity() {
	lines := []string{"OK", "File : Popularity (accesses per hour)"}
	err := s.store.IterateAll(func(key string, meta *metastore.FileMeta) error {
		lines = append(lines, fmt.Sprintf("%s : %g", key, meta.Popularity))
		return nil
	})
	if err != nil {
		s.respondErr("Could not list popularity: %v", err)
		return
	}
	s.respond(lines)
}

func (s *Server) handleWhichTier(args []string) {
	if len(args) == 0 {
		s.respondErr("autotier which-tier takes at least one path.")
		return
	}
	rel, outside := s.relativize(args)
	// paths may also be given relative to the mount point
	for _, p := range outside {
		rel = append(rel, metastore.NormalizeKey(p))
	}
	lines := []string{"OK", "File : Tier"}
	for _, relPath := range rel {
		meta, err := s.store.Get(relPath)
		if err != nil {
			lines = append(lines, fmt.Sprintf("%s : not found", relPath))
			continue
		}
		name := meta.TierPath
		for _, t := range s.eng.Tiers() {
			if t.Path() == meta.TierPath {
				name = t.ID()
				break
			}
		}
		lines = append(lines, fmt.Sprintf("%s : %s", relPath, name))
	}
	s.respond(lines)
}

func (s *Server) handleMetrics() {
	if s.metrics == nil {
		s.respondErr("Metrics are not enabled.")
		return
	}
	text, err := s.metrics.Render()
	if err != nil {
		s.respondErr("Could not gather metrics: %v", err)
		return
	}
	s.respond([]string{"OK", text})
}
