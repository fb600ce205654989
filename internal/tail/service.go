// Package tail follows the end of the payment log in the background.
//
// The service reads every entry once, oldest first, starting from offset 0.
// The first pass is the initial load; entries seen after it are new and may
// raise notifications. Counts of outgoing payments feed the token ordering of
// the viewer.
package tail

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/daviddao/paymenthistory_viewer/internal/backoff"
	"github.com/daviddao/paymenthistory_viewer/internal/filter"
	"github.com/daviddao/paymenthistory_viewer/internal/model"
	"github.com/daviddao/paymenthistory_viewer/internal/source"
)

var logger = logrus.StandardLogger().WithField("module", "tail")

// Source is the part of the source adapter the service reads from.
type Source interface {
	Total(ctx context.Context) (int, error)
	Fetch(ctx context.Context, limit, offset int) (source.Batch, error)
}

// Notification is a user-facing message about a newly received payment.
type Notification struct {
	Title string
	Body  string
	Entry model.LogEntry
}

// Update is the outcome of one poll. Restarted is set when the log turned
// out shorter than what was already read, i.e. the node's log was reset.
type Update struct {
	Total         int
	New           []model.LogEntry
	Notifications []Notification
	Loaded        bool
	Restarted     bool
}

// Options configure a Service.
type Options struct {
	Chunk         int
	Interval      time.Duration
	ErrorInterval time.Duration
	Retry         *backoff.Signal
	Tokens        filter.TokenLookup
	Labels        filter.Labeler
}

// Service polls the log tail.
//
// mu guards the read position only while it is read or committed; fetches
// run without it so Set*, Loaded and Offset never wait on the node. A Reset
// during a poll bumps gen and the poll's results are dropped.
type Service struct {
	src    Source
	chunk  int
	usage  *Usage
	poller *backoff.Poller[Update]

	lookMu sync.RWMutex
	tokens filter.TokenLookup
	labels filter.Labeler

	pollMu sync.Mutex

	mu          sync.Mutex
	queryOffset int
	loaded      bool
	gen         uint64
}

// New creates a service. Call Run to start polling.
func New(src Source, opts Options) *Service {
	if opts.Chunk <= 0 {
		opts.Chunk = 100
	}
	s := &Service{src: src, chunk: opts.Chunk, usage: NewUsage(), tokens: opts.Tokens, labels: opts.Labels}
	s.poller = backoff.NewPoller("tail", s.Poll, opts.Interval, opts.ErrorInterval, opts.Retry)
	return s
}

// Usage returns the live usage statistics.
func (s *Service) Usage() *Usage {
	return s.usage
}

// SetLabels swaps the label source used for notification text.
func (s *Service) SetLabels(labels filter.Labeler) {
	s.lookMu.Lock()
	defer s.lookMu.Unlock()
	s.labels = labels
}

// SetTokens swaps the token metadata used for notification text.
func (s *Service) SetTokens(tokens filter.TokenLookup) {
	s.lookMu.Lock()
	defer s.lookMu.Unlock()
	s.tokens = tokens
}

// Loaded reports whether the initial load has completed.
func (s *Service) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Offset is the offset of the next entry to read.
func (s *Service) Offset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryOffset
}

// Run polls until ctx is cancelled.
func (s *Service) Run(ctx context.Context, emit func(Update)) {
	s.poller.Run(ctx, emit)
}

// Refresh polls immediately.
func (s *Service) Refresh() {
	s.poller.Refresh()
}

// Reset starts over from offset 0, as after reconnecting to a node.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restart()
}

func (s *Service) restart() {
	s.queryOffset = 0
	s.loaded = false
	s.gen++
	s.usage.Clear()
}

// Poll reads everything appended since the last poll.
//
// If a read fails after the initial load and earlier chunks of the same poll
// succeeded, the partial update is returned without error so their entries
// and notifications are not lost; the next poll continues from there.
func (s *Service) Poll(ctx context.Context) (Update, error) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	total, err := s.src.Total(ctx)
	if err != nil {
		return Update{}, err
	}

	up := Update{Total: total}
	s.mu.Lock()
	if total < s.queryOffset {
		logger.WithFields(logrus.Fields{"total": total, "offset": s.queryOffset}).Warn("log shrank, reloading")
		s.restart()
		up.Restarted = true
	}
	offset, loaded, gen := s.queryOffset, s.loaded, s.gen
	s.mu.Unlock()

	read := 0
	for offset < total {
		limit := min(s.chunk, total-offset)
		b, err := s.src.Fetch(ctx, limit, offset)
		if err != nil {
			err = fmt.Errorf("read tail at %d: %w", offset, err)
			if loaded && read > 0 {
				logger.WithError(err).Warn("tail read interrupted, keeping partial update")
				up.Loaded = true
				return up, nil
			}
			return up, err
		}
		if len(b.Entries) == 0 {
			break
		}

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			logger.Debug("tail reset during poll, dropping results")
			return Update{Total: total}, nil
		}
		for _, e := range b.Entries {
			s.observe(e, loaded, &up)
		}
		s.queryOffset = b.End()
		offset = s.queryOffset
		s.mu.Unlock()
		read++
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen && !s.loaded {
		s.loaded = true
		logger.WithField("entries", s.queryOffset).Info("initial load complete")
	}
	up.Loaded = s.loaded
	return up, nil
}

func (s *Service) observe(e model.LogEntry, loaded bool, up *Update) {
	switch e.Event {
	case model.EventPaymentSentSuccess:
		s.usage.Record(e.Transfer)
	case model.EventPaymentReceivedSuccess:
		if loaded {
			up.Notifications = append(up.Notifications, s.notify(e))
		}
	}
	if loaded {
		up.New = append(up.New, e)
	}
}

func (s *Service) notify(e model.LogEntry) Notification {
	s.lookMu.RLock()
	tokens, labels := s.tokens, s.labels
	s.lookMu.RUnlock()

	amount := model.FormatAmount(e.Amount, 0)
	if tokens != nil {
		if tok, ok := tokens.Token(e.Token); ok {
			amount = model.FormatAmount(e.Amount, tok.Decimals)
			if tok.Symbol != "" {
				amount += " " + tok.Symbol
			}
		}
	}
	from := e.Counterparty.Hex()
	if labels != nil {
		if label := labels.Label(e.Counterparty); label != "" {
			from = fmt.Sprintf("%s (%s)", label, from)
		}
	}
	return Notification{
		Title: "Received transfer",
		Body:  fmt.Sprintf("%s from %s", amount, from),
		Entry: e,
	}
}
