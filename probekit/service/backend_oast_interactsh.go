package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-appsec/interactsh-lite/pkg/client"
	"github.com/go-appsec/interactsh-lite/pkg/server"

	"github.com/go-appsec/probetools/probekit/service/ids"
)

// sinceLast is the since filter keyword for "events since the previous poll".
const sinceLast = "last"

const (
	// interactshPollInterval is how often the client polls the OAST server.
	interactshPollInterval = 2 * time.Second
	// sessionCloseTimeout bounds deregistration when closing a session.
	sessionCloseTimeout = 2 * time.Second
)

// InteractshBackend implements OastBackend over an interactsh server.
type InteractshBackend struct {
	serverURL string // custom OAST server, empty for the public pool

	mu       sync.RWMutex
	sessions map[string]*oastSession // by domain
	byID     map[string]string       // short ID -> domain
	byLabel  map[string]string       // label -> domain
	closed   bool
}

var _ OastBackend = (*InteractshBackend)(nil)

// oastSession holds the state for a single OAST session. notify is closed
// and replaced whenever an event lands so blocked polls wake immediately.
type oastSession struct {
	info   OastSessionInfo
	client *client.Client

	mu           sync.Mutex
	events       []OastEventInfo
	droppedCount int
	lastPollIdx  int // index after the last returned event, for since="last"
	notify       chan struct{}

	stopPolling chan struct{}
	stopped     bool
}

func NewInteractshBackend(serverURL string) *InteractshBackend {
	return &InteractshBackend{
		serverURL: serverURL,
		sessions:  make(map[string]*oastSession),
		byID:      make(map[string]string),
		byLabel:   make(map[string]string),
	}
}

func (b *InteractshBackend) CreateSession(ctx context.Context, label string) (*OastSessionInfo, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("backend is closed")
	}
	if label != "" {
		if _, taken := b.byLabel[label]; taken {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: %q", ErrLabelExists, label)
		}
	}
	b.mu.Unlock()

	opts := client.DefaultOptions
	if b.serverURL != "" {
		customized := *opts
		customized.ServerURL = b.serverURL
		opts = &customized
	}
	c, err := client.New(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create interactsh client: %w", err)
	}

	sessionID := ids.Generate(ids.DefaultLength)
	domain := c.URL()

	sess := &oastSession{
		info: OastSessionInfo{
			ID:        sessionID,
			Domain:    domain,
			Label:     label,
			CreatedAt: time.Now(),
		},
		client:      c,
		notify:      make(chan struct{}),
		stopPolling: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = c.Close()
		return nil, errors.New("backend is closed")
	}
	for _, taken := b.byID[sessionID]; taken; _, taken = b.byID[sessionID] {
		sessionID = ids.Generate(ids.DefaultLength)
		sess.info.ID = sessionID
	}
	b.sessions[domain] = sess
	b.byID[sessionID] = domain
	if label != "" {
		b.byLabel[label] = domain
	}
	b.mu.Unlock()

	go b.pollLoop(sess)

	log.Printf("oast: created session %s (%s)", sessionID, domain)
	return &sess.info, nil
}

// pollLoop runs background polling for a session until it is deleted.
func (b *InteractshBackend) pollLoop(sess *oastSession) {
	callback := func(interaction *server.Interaction) {
		sess.mu.Lock()
		defer sess.mu.Unlock()

		if sess.stopped {
			return
		}

		eventTime := time.Now()
		if interaction.Timestamp.After(time.Time{}) {
			eventTime = interaction.Timestamp
		}

		details := make(map[string]interface{}, 4)
		if interaction.RawRequest != "" {
			details["raw_request"] = interaction.RawRequest
		}
		if interaction.RawResponse != "" {
			details["raw_response"] = interaction.RawResponse
		}
		if interaction.QType != "" {
			details["query_type"] = interaction.QType
		}
		if interaction.SMTPFrom != "" {
			details["smtp_from"] = interaction.SMTPFrom
		}

		event := OastEventInfo{
			ID:        ids.Generate(ids.DefaultLength),
			Time:      eventTime,
			Type:      strings.ToLower(interaction.Protocol),
			SourceIP:  interaction.RemoteAddress,
			Subdomain: interaction.FullId,
			Details:   details,
		}

		if len(sess.events) >= MaxOastEventsPerSession {
			sess.events = sess.events[1:]
			sess.droppedCount++
			if sess.lastPollIdx > 0 {
				sess.lastPollIdx--
			}
		}
		sess.events = append(sess.events, event)

		close(sess.notify)
		sess.notify = make(chan struct{})
	}

	if err := sess.client.StartPolling(interactshPollInterval, callback); err != nil {
		log.Printf("oast: polling error for session %s: %v", sess.info.ID, err)
	}

	<-sess.stopPolling
}

func (b *InteractshBackend) PollSession(ctx context.Context, idOrDomain string, since string, eventType string, wait time.Duration, limit int) (*OastPollResultInfo, error) {
	sess, err := b.resolveSession(idOrDomain)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(wait)
	for {
		sess.mu.Lock()
		if sess.stopped {
			sess.mu.Unlock()
			return nil, errors.New("session has been deleted")
		}
		if events := sess.filterEvents(since, eventType); len(events) > 0 || wait <= 0 || !time.Now().Before(deadline) {
			result := sess.takeLocked(events, limit)
			sess.mu.Unlock()
			return result, nil
		}
		notify := sess.notify
		sess.mu.Unlock()

		select {
		case <-ctx.Done():
			sess.mu.Lock()
			result := sess.takeLocked(sess.filterEvents(since, eventType), limit)
			sess.mu.Unlock()
			return result, nil
		case <-notify:
		case <-time.After(time.Until(deadline)):
		}
	}
}

// filterEvents returns events matching the since and eventType filters, in
// arrival order. An unknown since ID falls back to the full buffer; the ID
// may have rotated out. Caller must hold s.mu.
func (s *oastSession) filterEvents(since, eventType string) []OastEventInfo {
	start := 0
	switch {
	case since == sinceLast:
		start = min(s.lastPollIdx, len(s.events))
	case since != "":
		for i, e := range s.events {
			if e.ID == since {
				start = i + 1
				break
			}
		}
	}

	var result []OastEventInfo
	for _, e := range s.events[start:] {
		if eventType != "" && e.Type != eventType {
			continue
		}
		result = append(result, e)
	}
	return result
}

// takeLocked applies the limit and advances lastPollIdx past the last
// returned event so a later since="last" resumes there. Caller must hold s.mu.
func (s *oastSession) takeLocked(events []OastEventInfo, limit int) *OastPollResultInfo {
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	if len(events) == 0 {
		s.lastPollIdx = len(s.events)
	} else {
		lastID := events[len(events)-1].ID
		for i := len(s.events) - 1; i >= 0; i-- {
			if s.events[i].ID == lastID {
				s.lastPollIdx = i + 1
				break
			}
		}
	}
	return &OastPollResultInfo{
		Events:       events,
		DroppedCount: s.droppedCount,
	}
}

func (b *InteractshBackend) ListSessions(ctx context.Context) ([]OastSessionInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sessions := make([]OastSessionInfo, 0, len(b.sessions))
	for _, sess := range b.sessions {
		sessions = append(sessions, sess.info)
	}
	return sessions, nil
}

func (b *InteractshBackend) DeleteSession(ctx context.Context, idOrDomain string) error {
	sess, err := b.resolveSession(idOrDomain)
	if err != nil {
		return err
	}
	return b.deleteSession(sess)
}

func (b *InteractshBackend) deleteSession(sess *oastSession) error {
	sess.mu.Lock()
	if sess.stopped {
		sess.mu.Unlock()
		return nil
	}
	sess.stopped = true
	close(sess.notify)
	sess.mu.Unlock()

	close(sess.stopPolling)

	if sess.client != nil {
		if err := sess.client.StopPolling(); err != nil {
			log.Printf("oast: error stopping polling for session %s: %v", sess.info.ID, err)
		}

		done := make(chan error, 1)
		go func() {
			done <- sess.client.Close()
		}()

		select {
		case err := <-done:
			if err != nil {
				log.Printf("oast: error closing session %s: %v", sess.info.ID, err)
			}
		case <-time.After(sessionCloseTimeout):
			log.Printf("oast: timeout closing session %s", sess.info.ID)
		}
	}

	b.mu.Lock()
	delete(b.sessions, sess.info.Domain)
	delete(b.byID, sess.info.ID)
	if sess.info.Label != "" {
		delete(b.byLabel, sess.info.Label)
	}
	b.mu.Unlock()

	return nil
}

func (b *InteractshBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sessions := make([]*oastSession, 0, len(b.sessions))
	for _, sess := range b.sessions {
		sessions = append(sessions, sess)
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *oastSession) {
			defer wg.Done()
			_ = b.deleteSession(s)
		}(sess)
	}
	wg.Wait()

	return nil
}

// resolveSession finds a session by short ID, full domain, or label.
func (b *InteractshBackend) resolveSession(idOrDomain string) (*oastSession, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	domain := idOrDomain
	if mapped, ok := b.byID[idOrDomain]; ok {
		domain = mapped
	} else if mapped, ok := b.byLabel[idOrDomain]; ok {
		domain = mapped
	}
	if sess, ok := b.sessions[domain]; ok {
		return sess, nil
	}
	return nil, fmt.Errorf("%w: oast session %q", ErrNotFound, idOrDomain)
}
