// Package service exposes the node's status surface over HTTP: ledger
// queries, validator-set inspection and administration, equivocation
// evidence, and prometheus metrics.
package service

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/anusornc/provchain-org2-sub001/src/node"
	"github.com/anusornc/provchain-org2-sub001/src/validators"
)

// Service ...
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the DefaultServerMux of
// the http package. It is possible that another server in the same process
// is simultaneously using the DefaultServerMux. In which case, the handlers
// will be accessible from both servers. This is useful when the node is
// embedded and expected to use the same endpoint (address:port) as the
// application's API.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering API handlers")
	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/block/", s.makeHandler(s.GetBlock))
	http.HandleFunc("/blocks", s.makeHandler(s.GetBlocks))
	http.HandleFunc("/validators", s.makeHandler(s.GetValidators))
	http.HandleFunc("/validators/changes", s.makeHandler(s.ValidatorChanges))
	http.HandleFunc("/evidence", s.makeHandler(s.GetEvidence))
	http.Handle("/metrics", promhttp.HandlerFor(
		s.node.MetricsRegistry(),
		promhttp.HandlerOpts{},
	))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call. It is not necessary
// to call Serve when the node is embedded and another server has already
// been started with the DefaultServerMux and the same address:port
// combination. Indeed, the API handlers have already been registered when
// the service was instantiated.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving API")

	// Use the DefaultServerMux
	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats returns the node and protocol counters.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.node.GetStats()

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}

// GetBlock retrieves a committed block by height: /block/{height}
func (s *Service) GetBlock(w http.ResponseWriter, r *http.Request) {
	param := r.URL.Path[len("/block/"):]

	height, err := strconv.ParseUint(param, 10, 64)
	if err != nil {
		s.logger.WithError(err).Errorf("Parsing height parameter %s", param)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	block, err := s.node.GetBlock(height)
	if err != nil {
		s.logger.WithError(err).Errorf("Retrieving block %d", height)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(block)
}

// GetBlocks retrieves an ordered run of blocks: /blocks?start=S&limit=L
func (s *Service) GetBlocks(w http.ResponseWriter, r *http.Request) {
	start := uint64(1)
	if param := r.URL.Query().Get("start"); param != "" {
		val, err := strconv.ParseUint(param, 10, 64)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		start = val
	}

	limit := 0
	if param := r.URL.Query().Get("limit"); param != "" {
		val, err := strconv.Atoi(param)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		limit = val
	}

	blocks, err := s.node.GetBlocks(start, limit)
	if err != nil {
		s.logger.WithError(err).Errorf("Retrieving blocks from %d", start)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(blocks)
}

// GetValidators returns the current active validator set.
func (s *Service) GetValidators(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(s.node.GetValidators())
}

// validatorChangeRequest is the POST body for staging a validator-set
// change.
type validatorChangeRequest struct {
	Additions       []*validators.Validator `json:"additions"`
	Removals        []string                `json:"removals"`
	EffectiveHeight uint64                  `json:"effectiveHeight"`
}

// ValidatorChanges lists staged changes on GET and stages a new change on
// POST. Changes take effect at the epoch boundary at or after the effective
// height.
func (s *Service) ValidatorChanges(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method == http.MethodPost {
		var req validatorChangeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		err := s.node.StageValidatorChange(req.Additions, req.Removals, req.EffectiveHeight)
		if err != nil {
			s.logger.WithError(err).Error("Staging validator change")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.WriteHeader(http.StatusAccepted)
		return
	}

	json.NewEncoder(w).Encode(s.node.GetPendingChanges())
}

// GetEvidence returns the equivocation records collected by the audit.
func (s *Service) GetEvidence(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(s.node.GetEvidence())
}
