package linkage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sloppy/tplsync/internal/apierr"
	"github.com/sloppy/tplsync/internal/audit"
	"github.com/sloppy/tplsync/internal/db"
	"github.com/sloppy/tplsync/internal/lock"
	"github.com/sloppy/tplsync/internal/metrics"
	"github.com/sloppy/tplsync/internal/objects"
)

// Authorizer decides whether the caller may change the given hosts and templates.
type Authorizer interface {
	IsWritable(ctx context.Context, ids []int64) (bool, error)
}

// AllowAll grants every request.
type AllowAll struct{}

func (AllowAll) IsWritable(context.Context, []int64) (bool, error) { return true, nil }

// Options configures a Service. Zero values select an in-process lock, no
// lock timeout, AllowAll and a discarding audit sink.
type Options struct {
	Authorizer  Authorizer
	Locker      lock.Locker
	LockTimeout time.Duration
	Sink        audit.Notifier
	MaxDepth    int
}

// Service runs every top level change in its own transaction, under the
// advisory locks of the hosts it touches.
type Service struct {
	store       *db.DB
	engine      *Engine
	auth        Authorizer
	locker      lock.Locker
	lockTimeout time.Duration
	sink        audit.Notifier
	log         *logrus.Entry
}

// Result describes a committed operation.
type Result struct {
	OperationID string   `json:"operation_id"`
	Created     []Pair   `json:"created,omitempty"`
	Removed     int64    `json:"removed,omitempty"`
	Messages    []string `json:"messages"`
}

func NewService(store *db.DB, opts Options) *Service {
	if opts.Authorizer == nil {
		opts.Authorizer = AllowAll{}
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocal()
	}
	if opts.Sink == nil {
		opts.Sink = audit.Discard
	}
	return &Service{
		store:       store,
		engine:      NewEngine(objects.New(opts.MaxDepth)),
		auth:        opts.Authorizer,
		locker:      opts.Locker,
		lockTimeout: opts.LockTimeout,
		sink:        opts.Sink,
		log:         logrus.WithField("component", "service"),
	}
}

// API is the object API used inside Do and View.
func (s *Service) API() *objects.API { return s.engine.API() }

// Engine is the linkage engine used by the service.
func (s *Service) Engine() *Engine { return s.engine }

// Store is the underlying database.
func (s *Service) Store() *db.DB { return s.store }

// Link links templates to hosts.
func (s *Service) Link(ctx context.Context, templateIDs, hostIDs []int64) (Result, error) {
	var created []Pair
	ids := append(append([]int64(nil), templateIDs...), hostIDs...)
	res, err := s.do(ctx, "link", ids, s.withDescendants(templateIDs, hostIDs), func(ctx context.Context, tx *db.Tx) error {
		var err error
		created, err = s.engine.Link(ctx, tx, templateIDs, hostIDs)
		return err
	})
	res.Created = created
	return res, err
}

// Unlink unlinks templates from hosts; nil hostIDs means every linked host.
func (s *Service) Unlink(ctx context.Context, templateIDs, hostIDs []int64, clear bool) (Result, error) {
	ids := append(append([]int64(nil), templateIDs...), hostIDs...)
	scope := s.withDescendants(templateIDs, hostIDs)
	if hostIDs == nil {
		scope = func(ctx context.Context, tx *db.Tx) ([]int64, error) {
			linked, err := tx.HostIDsLinkedTo(ctx, uniq(templateIDs))
			if err != nil {
				return nil, err
			}
			return s.withDescendants(templateIDs, linked)(ctx, tx)
		}
	}
	var removed int64
	res, err := s.do(ctx, "unlink", ids, scope, func(ctx context.Context, tx *db.Tx) error {
		if hostIDs == nil {
			linked, err := tx.HostIDsLinkedTo(ctx, uniq(templateIDs))
			if err != nil {
				return err
			}
			if err := s.authorize(ctx, linked); err != nil {
				return err
			}
		}
		var err error
		removed, err = s.engine.Unlink(ctx, tx, templateIDs, hostIDs, clear)
		return err
	})
	res.Removed = removed
	return res, err
}

// DeleteHost deletes a host or template.
func (s *Service) DeleteHost(ctx context.Context, hostID int64, unlinkMode bool) (Result, error) {
	ids := []int64{hostID}
	return s.do(ctx, "delete_host", ids, s.withDescendants(nil, ids), func(ctx context.Context, tx *db.Tx) error {
		return s.engine.DeleteHost(ctx, tx, hostID, unlinkMode)
	})
}

// CreateHost creates a host or template in groups and links it to templateIDs.
func (s *Service) CreateHost(ctx context.Context, host db.Host, groups []string, templateIDs []int64) (db.Host, Result, error) {
	var created db.Host
	var pairs []Pair
	res, err := s.Do(ctx, "create_host", templateIDs, func(ctx context.Context, tx *db.Tx) error {
		var err error
		if created, err = s.engine.API().Hosts.Create(ctx, tx, host, groups); err != nil {
			return err
		}
		if len(templateIDs) == 0 {
			return nil
		}
		pairs, err = s.engine.Link(ctx, tx, templateIDs, []int64{created.ID})
		return err
	})
	if err != nil {
		return db.Host{}, res, err
	}
	res.Created = pairs
	return created, res, nil
}

// View runs fn in a read-only transaction.
func (s *Service) View(ctx context.Context, fn func(ctx context.Context, tx *db.Tx) error) error {
	return s.store.View(ctx, func(tx *db.Tx) error { return fn(ctx, tx) })
}

// lockScope returns every host an operation may write, read inside tx.
type lockScope func(ctx context.Context, tx *db.Tx) ([]int64, error)

// withDescendants scopes an operation to fixed plus roots and every host
// below roots in the template forest.
func (s *Service) withDescendants(fixed, roots []int64) lockScope {
	return func(ctx context.Context, tx *db.Tx) ([]int64, error) {
		graph, err := LoadGraph(ctx, tx)
		if err != nil {
			return nil, err
		}
		below, err := graph.Descendants(uniq(roots), s.engine.API().MaxDepth())
		if err != nil {
			return nil, err
		}
		out := append(append([]int64(nil), fixed...), roots...)
		return append(out, below...), nil
	}
}

// errScopeChanged aborts a transaction whose lock scope grew after locking.
var errScopeChanged = errors.New("lock scope changed")

const maxScopeAttempts = 3

// Do authorizes ids, locks them and runs fn in one transaction. Audit
// messages emitted by fn reach the sink only after commit, once the locks
// are released.
func (s *Service) Do(ctx context.Context, operation string, ids []int64, fn func(ctx context.Context, tx *db.Tx) error) (Result, error) {
	return s.do(ctx, operation, ids, nil, fn)
}

// do is Do with an optional scope. The scope is read before locking and
// again inside the transaction; when the second read names a host that is
// not locked the transaction rolls back and the operation retries with the
// wider set.
func (s *Service) do(ctx context.Context, operation string, ids []int64, scope lockScope, fn func(ctx context.Context, tx *db.Tx) error) (res Result, err error) {
	res.OperationID = uuid.NewString()
	ctx = audit.WithOperation(ctx, res.OperationID)
	start := time.Now()
	log := s.log.WithFields(logrus.Fields{
		"operation":    operation,
		"operation_id": res.OperationID,
		"ids":          uniq(ids),
	})
	defer func() {
		metrics.RecordOperation(operation, err, time.Since(start))
		fields := logrus.Fields{"duration": time.Since(start)}
		switch {
		case err == nil:
			log.WithFields(fields).WithField("messages", len(res.Messages)).Info("operation committed")
		case apierr.KindOf(err) != apierr.KindInternal && apierr.KindOf(err) != 0:
			log.WithFields(fields).WithError(err).Info("operation refused")
		default:
			log.WithFields(fields).WithError(err).Error("operation failed")
		}
	}()

	if err = s.authorize(ctx, ids); err != nil {
		return res, err
	}

	locked := append([]int64(nil), ids...)
	if scope != nil {
		if err = s.View(ctx, func(ctx context.Context, tx *db.Tx) error {
			extra, err := scope(ctx, tx)
			locked = append(append([]int64(nil), ids...), extra...)
			return err
		}); err != nil {
			return res, err
		}
	}

	var buf *audit.Buffer
	for attempt := 1; ; attempt++ {
		var grown []int64
		buf, grown, err = s.attempt(ctx, operation, locked, scope, fn)
		if !errors.Is(err, errScopeChanged) {
			break
		}
		if attempt == maxScopeAttempts {
			return res, apierr.Internal(err, "Hosts affected by %s kept changing.", operation)
		}
		log.WithField("attempt", attempt).Debug("lock scope changed, retrying")
		locked = append(locked, grown...)
	}
	if err != nil {
		return res, err
	}
	res.Messages = buf.Flush(ctx, s.sink)
	if res.Messages == nil {
		res.Messages = []string{}
	}
	return res, nil
}

// attempt locks ids and runs fn in one transaction. The locks are released
// before it returns. On errScopeChanged it also returns the scope as read
// under the locks.
func (s *Service) attempt(ctx context.Context, operation string, ids []int64, scope lockScope, fn func(ctx context.Context, tx *db.Tx) error) (*audit.Buffer, []int64, error) {
	lockCtx := ctx
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}
	waitStart := time.Now()
	release, err := s.locker.Lock(lockCtx, lock.HostKeys(ids...)...)
	metrics.LockWaitDuration.Observe(time.Since(waitStart).Seconds())
	if err != nil {
		return nil, nil, apierr.Internal(err, "Cannot lock hosts for %s.", operation)
	}
	defer release()

	buf := &audit.Buffer{}
	txCtx := audit.WithNotifier(ctx, buf)
	var current []int64
	err = s.store.WithTx(txCtx, func(tx *db.Tx) error {
		if scope != nil {
			var err error
			if current, err = scope(txCtx, tx); err != nil {
				return err
			}
			if !covers(ids, current) {
				return errScopeChanged
			}
		}
		return fn(txCtx, tx)
	})
	if err != nil {
		buf.Reset()
		return nil, current, err
	}
	return buf, nil, nil
}

func (s *Service) authorize(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	ok, err := s.auth.IsWritable(ctx, uniq(ids))
	if err != nil {
		return apierr.Internal(err, "Cannot check permissions.")
	}
	if !ok {
		return apierr.Permission()
	}
	return nil
}

// covers reports whether every id of want is in have.
func covers(have, want []int64) bool {
	set := make(map[int64]bool, len(have))
	for _, id := range have {
		set[id] = true
	}
	for _, id := range want {
		if !set[id] {
			return false
		}
	}
	return true
}
