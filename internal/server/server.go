package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/image/tiff"

	"wellplate/internal/models"
	"wellplate/internal/storage"
	"wellplate/pkg/colormap"
	"wellplate/pkg/config"
	"wellplate/pkg/plate"
	"wellplate/pkg/visualization"
)

// WarningsHeader carries the channels skipped while compositing
const WarningsHeader = "X-Composite-Warnings"

// Experiment is one plate served under /api/experiments/{name}
type Experiment struct {
	Name   string
	Viewer *visualization.Viewer

	// Channels are the default display settings of composites
	Channels []models.Channel

	// MetadataPath is the plate condition table; empty when there is none
	MetadataPath string
}

type experimentState struct {
	name         string
	viewer       *visualization.Viewer
	channels     []models.Channel
	metadataPath string

	mu       sync.RWMutex
	metadata *plate.Metadata
}

// Server serves composites, plate metadata and analysis results of one or
// more experiments over HTTP
type Server struct {
	addr   string
	store  *storage.Store
	log    *slog.Logger
	server *http.Server

	order       []string
	experiments map[string]*experimentState
	watchers    []*MetadataWatcher
}

// NewServer creates a server over a set of experiments. store may be nil, in
// which case the run endpoints answer 503.
func NewServer(addr string, experiments []Experiment, store *storage.Store, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(experiments) == 0 {
		return nil, errors.New("server needs at least one experiment")
	}
	s := &Server{
		addr:        addr,
		store:       store,
		log:         log,
		experiments: make(map[string]*experimentState, len(experiments)),
	}
	for _, exp := range experiments {
		if exp.Name == "" || exp.Viewer == nil {
			return nil, errors.New("experiment needs a name and a viewer")
		}
		if _, dup := s.experiments[exp.Name]; dup {
			return nil, fmt.Errorf("duplicate experiment %q", exp.Name)
		}
		s.experiments[exp.Name] = &experimentState{
			name:         exp.Name,
			viewer:       exp.Viewer,
			channels:     config.ResolveColors(exp.Channels, exp.Viewer.Source().Channels().Infos()),
			metadataPath: exp.MetadataPath,
		}
		s.order = append(s.order, exp.Name)
		if exp.MetadataPath != "" {
			if err := s.ReloadMetadata(exp.Name); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

// ReloadMetadata reads the metadata file of an experiment again
func (s *Server) ReloadMetadata(name string) error {
	exp, ok := s.experiments[name]
	if !ok {
		return fmt.Errorf("unknown experiment %q", name)
	}
	md, err := plate.LoadFile(exp.metadataPath)
	if err != nil {
		return fmt.Errorf("experiment %q: %w", name, err)
	}
	exp.mu.Lock()
	exp.metadata = md
	exp.mu.Unlock()
	s.log.Info("plate metadata loaded", "experiment", name, "path", exp.metadataPath, "wells", md.Len())
	return nil
}

// Metadata returns the current plate metadata of an experiment, nil when none
// is loaded
func (s *Server) Metadata(name string) *plate.Metadata {
	exp, ok := s.experiments[name]
	if !ok {
		return nil
	}
	return exp.currentMetadata()
}

func (e *experimentState) currentMetadata() *plate.Metadata {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.metadata
}

// WatchMetadata reloads each experiment's metadata file whenever it changes
// until ctx ends
func (s *Server) WatchMetadata(ctx context.Context) error {
	started := 0
	for _, name := range s.order {
		exp := s.experiments[name]
		if exp.metadataPath == "" {
			continue
		}
		w, err := NewMetadataWatcher(exp.metadataPath, s.log, func() {
			if err := s.ReloadMetadata(name); err != nil {
				s.log.Warn("failed to reload plate metadata", "experiment", name, "path", exp.metadataPath, "error", err)
			}
		})
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		s.watchers = append(s.watchers, w)
		started++
	}
	if started == 0 {
		return errors.New("no metadata file to watch")
	}
	return nil
}

// Start begins the server and blocks until ctx is done
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/experiments", s.handleExperiments).Methods("GET")

	api := r.PathPrefix("/api/experiments/{name}").Subrouter()
	api.HandleFunc("/channels", s.handleChannels).Methods("GET")
	api.HandleFunc("/wells/{index:[0-9]+}/composite.png", s.handleComposite).Methods("GET")
	api.HandleFunc("/wells/{index:[0-9]+}/channels/{channel}.tif", s.handlePlaneTIFF).Methods("GET")
	api.HandleFunc("/wells/{index:[0-9]+}/metadata", s.handleWellMetadata).Methods("GET")
	api.HandleFunc("/runs", s.handleRuns).Methods("GET")
	api.HandleFunc("/runs/latest/signal", s.handleLatestSignal).Methods("GET")
	api.HandleFunc("/runs/{id}/signal", s.handleRunSignal).Methods("GET")
	api.HandleFunc("/runs/{id}/wells/{well}/metrics", s.handleWellMetrics).Methods("GET")
}

// experiment resolves the {name} route variable, answering 404 when unknown
func (s *Server) experiment(w http.ResponseWriter, r *http.Request) (*experimentState, bool) {
	name := mux.Vars(r)["name"]
	exp, ok := s.experiments[name]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown experiment %q", name), http.StatusNotFound)
	}
	return exp, ok
}

// well resolves the {index} route variable against the experiment's volume
func (e *experimentState) well(w http.ResponseWriter, r *http.Request) (int, bool) {
	well, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil || well >= e.viewer.Source().Shape().Wells {
		http.Error(w, "unknown well", http.StatusNotFound)
		return 0, false
	}
	return well, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type experimentJSON struct {
	Name     string   `json:"name"`
	Wells    int      `json:"wells"`
	Channels []string `json:"channels"`
	Metadata bool     `json:"metadata"`
}

func (s *Server) handleExperiments(w http.ResponseWriter, r *http.Request) {
	out := make([]experimentJSON, 0, len(s.order))
	for _, name := range s.order {
		exp := s.experiments[name]
		src := exp.viewer.Source()
		e := experimentJSON{
			Name:     name,
			Wells:    src.Shape().Wells,
			Metadata: exp.currentMetadata() != nil,
		}
		for _, info := range src.Channels().Infos() {
			e.Channels = append(e.Channels, info.Name)
		}
		out = append(out, e)
	}
	writeJSON(w, out)
}

type channelJSON struct {
	Name    string              `json:"name"`
	Color   string              `json:"color"`
	Enabled bool                `json:"enabled"`
	Range   models.DisplayRange `json:"range"`
	Kind    string              `json:"kind"`
	MaskOf  string              `json:"mask_of,omitempty"`
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	exp, ok := s.experiment(w, r)
	if !ok {
		return
	}
	type volumeChannel struct {
		Name  string `json:"name"`
		Color string `json:"color"`
	}
	resp := struct {
		Volume   []volumeChannel `json:"volume"`
		Defaults []channelJSON   `json:"defaults"`
	}{}
	for _, info := range exp.viewer.Source().Channels().Infos() {
		resp.Volume = append(resp.Volume, volumeChannel{Name: info.Name, Color: colormap.Hex(info.Color)})
	}
	for _, ch := range exp.channels {
		resp.Defaults = append(resp.Defaults, channelJSON{
			Name:    ch.Name,
			Color:   colormap.Hex(ch.Color),
			Enabled: ch.Enabled,
			Range:   ch.Range,
			Kind:    ch.Kind.String(),
			MaskOf:  ch.MaskOf,
		})
	}
	writeJSON(w, resp)
}

func (s *Server) handleComposite(w http.ResponseWriter, r *http.Request) {
	exp, ok := s.experiment(w, r)
	if !ok {
		return
	}
	well, ok := exp.well(w, r)
	if !ok {
		return
	}

	channels, err := exp.compositeChannels(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	img, err := exp.viewer.Assemble(r.Context(), well, channels)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if len(img.Warnings) > 0 {
		msgs := make([]string, len(img.Warnings))
		for i, warn := range img.Warnings {
			msgs[i] = warn.Error()
		}
		w.Header().Set(WarningsHeader, strings.Join(msgs, "; "))
	}
	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, visualization.ToRGBA(img)); err != nil {
		s.log.Warn("failed to encode composite", "experiment", exp.name, "well", well, "error", err)
	}
}

// handlePlaneTIFF serves the raw 16-bit plane of one well channel
func (s *Server) handlePlaneTIFF(w http.ResponseWriter, r *http.Request) {
	exp, ok := s.experiment(w, r)
	if !ok {
		return
	}
	well, ok := exp.well(w, r)
	if !ok {
		return
	}
	img, err := exp.viewer.ExtractPlane(r.Context(), well, mux.Vars(r)["channel"])
	if errors.Is(err, models.ErrMissingChannel) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/tiff")
	if err := tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		s.log.Warn("failed to encode plane", "experiment", exp.name, "well", well, "error", err)
	}
}

// compositeChannels builds the channel settings of a composite request.
// Without channel or overlay parameters the default settings are used;
// otherwise only the listed channels are enabled.
func (e *experimentState) compositeChannels(r *http.Request) ([]models.Channel, error) {
	q := r.URL.Query()
	specs, overlays := q["channel"], q["overlay"]
	if len(specs) == 0 && len(overlays) == 0 {
		return e.channels, nil
	}

	colors := make(map[string]models.RGB)
	for _, info := range e.viewer.Source().Channels().Infos() {
		colors[info.Name] = info.Color
	}
	for _, ch := range e.channels {
		if ch.Kind == models.IntensityChannel {
			colors[ch.Name] = ch.Color
		}
	}

	return visualization.ChannelsFromSpecs(specs, overlays, colors)
}

func (s *Server) handleWellMetadata(w http.ResponseWriter, r *http.Request) {
	exp, ok := s.experiment(w, r)
	if !ok {
		return
	}
	index, _ := strconv.Atoi(mux.Vars(r)["index"])
	id, err := plate.WellID(index)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	md := exp.currentMetadata()
	if md == nil {
		http.Error(w, "no plate metadata loaded", http.StatusNotFound)
		return
	}
	rec, ok := md.Lookup(id)
	if !ok {
		http.Error(w, fmt.Sprintf("no metadata for well %s", id), http.StatusNotFound)
		return
	}
	writeJSON(w, rec)
}

// withStore resolves the experiment of a run endpoint, answering 503 when
// the server has no result store
func (s *Server) withStore(w http.ResponseWriter, r *http.Request) (*experimentState, bool) {
	exp, ok := s.experiment(w, r)
	if !ok {
		return nil, false
	}
	if s.store == nil {
		http.Error(w, "no result store", http.StatusServiceUnavailable)
		return nil, false
	}
	return exp, true
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	exp, ok := s.withStore(w, r)
	if !ok {
		return
	}
	recs, err := s.store.RecentRuns(r.Context(), exp.name, 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleLatestSignal(w http.ResponseWriter, r *http.Request) {
	exp, ok := s.withStore(w, r)
	if !ok {
		return
	}
	run, err := s.store.LatestRun(r.Context(), exp.name)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeSignal(w, r, exp.name, run.ID)
}

func (s *Server) handleRunSignal(w http.ResponseWriter, r *http.Request) {
	exp, ok := s.withStore(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := s.store.Run(r.Context(), exp.name, id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeSignal(w, r, exp.name, id)
}

func (s *Server) writeSignal(w http.ResponseWriter, r *http.Request, experiment, runID string) {
	rows, err := s.store.PlateRows(r.Context(), experiment, runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, struct {
		Experiment string                  `json:"experiment"`
		RunID      string                  `json:"run_id"`
		Rows       []models.PlateSignalRow `json:"rows"`
	}{Experiment: experiment, RunID: runID, Rows: rows})
}

type cellJSON struct {
	Label int32   `json:"label"`
	Mean  float64 `json:"mean"`
	Area  int     `json:"area"`
}

// handleWellMetrics serves the per-cell metrics of one well channel of a run
func (s *Server) handleWellMetrics(w http.ResponseWriter, r *http.Request) {
	exp, ok := s.withStore(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, "channel parameter is required", http.StatusBadRequest)
		return
	}
	res, err := s.store.WellMetrics(r.Context(), exp.name, vars["id"], vars["well"], channel)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	resp := struct {
		RunID            string     `json:"run_id"`
		WellID           string     `json:"well_id"`
		Channel          string     `json:"channel"`
		NumCells         int        `json:"num_cells"`
		BackgroundMean   *float64   `json:"background_mean"`
		BackgroundStd    *float64   `json:"background_std"`
		BackgroundPixels int        `json:"background_pixels"`
		Cells            []cellJSON `json:"cells"`
	}{
		RunID:            vars["id"],
		WellID:           vars["well"],
		Channel:          channel,
		NumCells:         res.NumCells(),
		BackgroundPixels: res.BackgroundPixels,
		Cells:            make([]cellJSON, 0, res.NumCells()),
	}
	// the background is undefined without unlabelled pixels
	if res.BackgroundPixels > 0 {
		resp.BackgroundMean = finite(res.BackgroundMean)
		resp.BackgroundStd = finite(res.BackgroundStd)
	}
	for i, label := range res.Labels {
		resp.Cells = append(resp.Cells, cellJSON{Label: label, Mean: res.Means[i], Area: res.Areas[i]})
	}
	writeJSON(w, resp)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
