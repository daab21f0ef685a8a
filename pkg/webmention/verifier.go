package webmention

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	log "github.com/sirupsen/logrus"

	"webstead/pkg/storage"
)

var errFetchFailed = fmt.Errorf("source fetch failed")

type Config struct {
	NumWorkers   int
	FetchTimeout time.Duration
	MaxRetries   int
	// Backoff is the first retry delay; it doubles per attempt.
	Backoff      time.Duration
	MaxBodyBytes int64
	QueueSize    int
}

// Verifier runs mention verification jobs on a bounded worker pool. Jobs for
// distinct (source, target) pairs run in parallel; jobs for the same pair are
// serialized by a per-pair lock so the last completed verification wins.
type Verifier struct {
	db     storage.Storage
	conf   Config
	client *http.Client

	jobs chan storage.Webmention
	wg   sync.WaitGroup

	mu    sync.Mutex
	pairs map[uuid.UUID]*pairLock
}

type pairLock struct {
	sync.Mutex
	refs int
}

func NewVerifier(db storage.Storage, conf Config) *Verifier {
	if conf.NumWorkers <= 0 {
		conf.NumWorkers = 4
	}
	if conf.FetchTimeout <= 0 {
		conf.FetchTimeout = 15 * time.Second
	}
	if conf.MaxRetries <= 0 {
		conf.MaxRetries = 3
	}
	if conf.Backoff <= 0 {
		conf.Backoff = 2 * time.Second
	}
	if conf.MaxBodyBytes <= 0 {
		conf.MaxBodyBytes = 1 << 20
	}
	if conf.QueueSize <= 0 {
		conf.QueueSize = conf.NumWorkers * 5 // buffer is needed to increase throughput
	}

	return &Verifier{
		db:   db,
		conf: conf,
		client: &http.Client{
			Timeout: conf.FetchTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		jobs:  make(chan storage.Webmention, conf.QueueSize),
		pairs: make(map[uuid.UUID]*pairLock),
	}
}

// Run starts the worker pool. Workers exit when ctx is cancelled or the
// jobs channel is closed by Stop.
func (v *Verifier) Run(ctx context.Context) {
	v.wg.Add(v.conf.NumWorkers)
	for workerID := 0; workerID < v.conf.NumWorkers; workerID++ {
		go func(id int) {
			defer v.wg.Done()
			v.worker(ctx, id)
		}(workerID)
	}
}

// Stop closes the queue and waits for in-flight jobs to finish.
func (v *Verifier) Stop() {
	close(v.jobs)
	v.wg.Wait()
}

// Enqueue hands a pending mention to the pool. When the queue is full the
// job is dropped: the row stays pending and a re-notification re-queues it.
func (v *Verifier) Enqueue(m storage.Webmention) bool {
	select {
	case v.jobs <- m:
		return true
	default:
		log.Warnf("[webmention] verification queue full, dropping job for %s -> %s", m.Source, m.Target)
		return false
	}
}

func (v *Verifier) worker(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			log.Infof("[webmention][workerID:%d] context cancelled, exiting worker", workerID)
			return

		case m, ok := <-v.jobs:
			if !ok {
				log.Infof("[webmention][workerID:%d] jobs channel closed, exiting worker", workerID)
				return
			}
			v.runJob(ctx, workerID, m)
		}
	}
}

// runJob isolates a single verification: a panic inside one job records a
// rejection and never takes down the pool or other in-flight jobs.
func (v *Verifier) runJob(ctx context.Context, workerID int, m storage.Webmention) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[webmention][workerID:%d] panic verifying %s -> %s: %v", workerID, m.Source, m.Target, r)
			v.saveRejection(ctx, m, "internal verification error")
		}
	}()

	lock := v.lockPair(m.ID)
	defer v.unlockPair(m.ID, lock)

	// The owning post may have been deleted between accept and run; such
	// jobs are discarded without fetching.
	post, err := v.db.Post(ctx, m.TargetPostID)
	if err != nil || post.Deleted {
		log.Debugf("[webmention][workerID:%d] target post gone, discarding job %s -> %s", workerID, m.Source, m.Target)
		return
	}

	result := v.verify(ctx, m)
	if err := v.db.SaveWebmentionResult(ctx, result); err != nil {
		log.Errorf("[webmention][workerID:%d] failed to save result for %s -> %s: %v", workerID, m.Source, m.Target, err)
		return
	}
	log.Infof("[webmention][workerID:%d] %s -> %s: %s", workerID, m.Source, m.Target, result.Status)
}

// verify fetches the source and inspects it for a genuine backlink. Fetch
// failures are retried with exponential backoff and then become a terminal
// rejection; a missing backlink is a content fact and is never retried.
func (v *Verifier) verify(ctx context.Context, m storage.Webmention) storage.Webmention {
	body, err := v.fetchSource(ctx, m.Source)
	if err != nil {
		m.Status = storage.StatusRejected
		m.Reason = fmt.Sprintf("source unreachable: %v", err)
		return m
	}

	page, err := parsePage(body, m.Target)
	if err != nil {
		m.Status = storage.StatusRejected
		m.Reason = fmt.Sprintf("unparseable source document: %v", err)
		return m
	}

	if !page.HasBacklink {
		m.Status = storage.StatusRejected
		m.Reason = "no backlink found"
		return m
	}

	now := time.Now().UTC()
	m.Status = storage.StatusVerified
	m.Kind = page.Kind
	m.AuthorName = page.AuthorName
	m.AuthorURL = page.AuthorURL
	m.AuthorPhoto = page.AuthorPhoto
	m.Excerpt = page.Excerpt
	m.Reason = ""
	m.VerifiedAt = &now

	return m
}

func (v *Verifier) fetchSource(ctx context.Context, source string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= v.conf.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := v.conf.Backoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		body, err := v.fetchOnce(ctx, source)
		if err == nil {
			return body, nil
		}
		lastErr = err
		log.Debugf("[webmention] fetch attempt %d for %s failed: %v", attempt+1, source, err)
	}

	return nil, lastErr
}

func (v *Verifier) fetchOnce(ctx context.Context, source string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "webstead-webmention")
	req.Header.Set("Accept", "text/html")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", errFetchFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, v.conf.MaxBodyBytes))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", errFetchFailed, err)
	}

	return body, nil
}

func (v *Verifier) saveRejection(ctx context.Context, m storage.Webmention, reason string) {
	m.Status = storage.StatusRejected
	m.Reason = reason
	if err := v.db.SaveWebmentionResult(ctx, m); err != nil {
		log.Errorf("[webmention] failed to record rejection for %s -> %s: %v", m.Source, m.Target, err)
	}
}

func (v *Verifier) lockPair(id uuid.UUID) *pairLock {
	v.mu.Lock()
	lock, ok := v.pairs[id]
	if !ok {
		lock = &pairLock{}
		v.pairs[id] = lock
	}
	lock.refs++
	v.mu.Unlock()

	lock.Lock()
	return lock
}

func (v *Verifier) unlockPair(id uuid.UUID, lock *pairLock) {
	lock.Unlock()

	v.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(v.pairs, id)
	}
	v.mu.Unlock()
}
