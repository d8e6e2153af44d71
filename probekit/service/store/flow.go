package store

import (
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-analyze/bulk"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/go-appsec/probetools/probekit/service/ids"
)

// flowCacheSize bounds the decoded-flow cache held in front of storage.
const flowCacheSize = 256

// Flow source tags. Scan flows carry SourceScanPrefix plus the scan ID.
const (
	SourceProbe      = "probe"
	SourceScanPrefix = "scan:"
)

// ProbeFlow is one captured request/response exchange.
type ProbeFlow struct {
	FlowID    string    `msgpack:"fid"`
	CreatedAt time.Time `msgpack:"ca"`
	Source    string    `msgpack:"src"` // "probe" or "scan:<scan_id>"

	Method   string `msgpack:"m"`
	URL      string `msgpack:"u"`
	Host     string `msgpack:"h"`
	Path     string `msgpack:"p"`
	Protocol string `msgpack:"pr"` // response proto as reported, e.g. "HTTP/1.1" or "HTTP/2.0"

	ReqHeaders []byte `msgpack:"rqh"` // "Name: value" lines
	ReqBody    []byte `msgpack:"rqb"`

	Status        int           `msgpack:"st"`
	RespHeaders   []byte        `msgpack:"rsh"`
	RespBody      []byte        `msgpack:"rsb"`
	RespTruncated bool          `msgpack:"tr"`
	ContentType   string        `msgpack:"ct"`
	ContentLength int64         `msgpack:"cl"`
	Duration      time.Duration `msgpack:"d"`

	CookiesSent   bool   `msgpack:"cks"` // jar cookies attached to the request
	CookiesStored int    `msgpack:"ckn"` // cookie pairs ingested from the response
	RequestHash   string `msgpack:"rh"`
	RepeatOf      string `msgpack:"ro"` // earlier flow with an identical request hash
}

// FlowListOptions controls filtering for flow listing.
type FlowListOptions struct {
	Host      string // exact host match, case-insensitive
	Source    string // source prefix, e.g. "scan:" or a full scan tag
	MinStatus int
	MaxStatus int
	Limit     int
}

// FlowStore manages captured flows over a Storage backend with a bounded
// LRU cache in front of record decoding. Thread-safe.
type FlowStore struct {
	mu      sync.RWMutex
	storage Storage
	cache   *lru.Cache[string, *ProbeFlow]
	order   []string          // flow IDs, oldest first
	hashes  map[string]string // request hash -> first flow ID seen
}

// NewFlowStore creates a FlowStore backed by the given storage and restores
// its index from any persisted flows.
func NewFlowStore(storage Storage) *FlowStore {
	cache, _ := lru.New[string, *ProbeFlow](flowCacheSize) // errs only for size <= 0
	s := &FlowStore{
		storage: storage,
		cache:   cache,
		hashes:  make(map[string]string),
	}
	s.loadIndex()
	return s
}

// loadIndex rebuilds insertion order and the hash index from persisted
// flows after a restart. Undecodable records are deleted.
func (s *FlowStore) loadIndex() {
	keys := s.storage.KeySet()
	if len(keys) == 0 {
		return
	}

	flows := make([]*ProbeFlow, 0, len(keys))
	for _, key := range keys {
		data, found, err := s.storage.Get(key)
		if err != nil || !found {
			continue
		}
		var flow ProbeFlow
		if err := Deserialize(data, &flow); err != nil {
			log.Printf("flow store: dropping undecodable record %s: %v", key, err)
			_ = s.storage.Delete(key)
			continue
		}
		flows = append(flows, &flow)
	}
	sort.Slice(flows, func(i, j int) bool {
		return flows[i].CreatedAt.Before(flows[j].CreatedAt)
	})

	for _, flow := range flows {
		s.order = append(s.order, flow.FlowID)
		if flow.RequestHash != "" {
			if _, ok := s.hashes[flow.RequestHash]; !ok {
				s.hashes[flow.RequestHash] = flow.FlowID
			}
		}
	}
	if len(s.order) > 0 {
		log.Printf("flow store: restored %d flows", len(s.order))
	}
}

// Add stores a flow, assigning FlowID, CreatedAt, and the repeat marker.
// Returns the assigned flow ID.
func (s *FlowStore) Add(flow *ProbeFlow) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = time.Now()
	}
	if flow.FlowID == "" {
		flow.FlowID = s.uniqueIDLocked()
	}
	if flow.RequestHash != "" {
		if first, ok := s.hashes[flow.RequestHash]; ok {
			flow.RepeatOf = first
		} else {
			s.hashes[flow.RequestHash] = flow.FlowID
		}
	}

	data, err := Serialize(flow)
	if err != nil {
		return "", err
	}
	if err := s.storage.Set(flow.FlowID, data); err != nil {
		return "", err
	}
	s.order = append(s.order, flow.FlowID)
	s.cache.Add(flow.FlowID, flow)
	return flow.FlowID, nil
}

func (s *FlowStore) uniqueIDLocked() string {
	id := ids.Generate(ids.DefaultLength)
	for _, found, _ := s.storage.Get(id); found; _, found, _ = s.storage.Get(id) {
		id = ids.Generate(ids.DefaultLength)
	}
	return id
}

// Get retrieves a flow by ID. Returned flows are shared; do not modify.
func (s *FlowStore) Get(flowID string) (*ProbeFlow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getLocked(flowID)
}

// getLocked retrieves a flow, decode cache first. Caller must hold mu.
func (s *FlowStore) getLocked(flowID string) (*ProbeFlow, bool) {
	if flow, ok := s.cache.Get(flowID); ok {
		return flow, true
	}
	data, found, err := s.storage.Get(flowID)
	if err != nil || !found {
		return nil, false
	}
	var flow ProbeFlow
	if err := Deserialize(data, &flow); err != nil {
		log.Printf("flow store deserialize error: %v", err)
		return nil, false
	}
	s.cache.Add(flowID, &flow)
	return &flow, true
}

// List returns flows newest first, filtered by opts. Returned flows are
// shared; do not modify.
func (s *FlowStore) List(opts FlowListOptions) []*ProbeFlow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	host := strings.ToLower(opts.Host)
	var result []*ProbeFlow
	for i := len(s.order) - 1; i >= 0; i-- {
		flow, ok := s.getLocked(s.order[i])
		if !ok {
			continue
		}
		if host != "" && strings.ToLower(flow.Host) != host {
			continue
		}
		if opts.Source != "" && !strings.HasPrefix(flow.Source, opts.Source) {
			continue
		}
		if opts.MinStatus > 0 && flow.Status < opts.MinStatus {
			continue
		}
		if opts.MaxStatus > 0 && flow.Status > opts.MaxStatus {
			continue
		}
		result = append(result, flow)
		if opts.Limit > 0 && len(result) >= opts.Limit {
			break
		}
	}
	return result
}

// Remove deletes a flow by ID.
func (s *FlowStore) Remove(flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.storage.Delete(flowID); err != nil {
		return err
	}
	s.cache.Remove(flowID)
	s.order = bulk.SliceFilterInPlace(func(id string) bool { return id != flowID }, s.order)
	for hash, id := range s.hashes {
		if id == flowID {
			delete(s.hashes, hash)
		}
	}
	return nil
}

// Clear removes all flows.
func (s *FlowStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.storage.DeleteAll(); err != nil {
		return err
	}
	s.cache.Purge()
	s.order = nil
	s.hashes = make(map[string]string)
	return nil
}

// Len returns the number of stored flows.
func (s *FlowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.order)
}

// Close releases the backing storage.
func (s *FlowStore) Close() error {
	return s.storage.Close()
}
