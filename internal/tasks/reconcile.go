package tasks

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/crumbworks/storefront/internal/lock"
	"github.com/crumbworks/storefront/internal/obs"
	"github.com/crumbworks/storefront/internal/session"
	"github.com/crumbworks/storefront/internal/upstream"
)

// TypeSnapshotReconcile is the periodic task that re-syncs advisory cart
// snapshots with the upstream.
const TypeSnapshotReconcile = "snapshot:reconcile"

// NewSnapshotReconcileTask builds the scheduler payload. The task carries
// no body; the device set is discovered at run time.
func NewSnapshotReconcileTask() *asynq.Task {
	return asynq.NewTask(TypeSnapshotReconcile, nil)
}

// CartFetcher is the slice of the upstream client the reconciler needs.
type CartFetcher interface {
	GetCart(ctx context.Context, cartID string) ([]upstream.LineItem, error)
}

// Reconciler walks every known device session and refreshes its advisory
// cart snapshot from the upstream. Devices are processed under a
// distributed lock so overlapping runs (or multiple workers) never write
// the same snapshot concurrently.
type Reconciler struct {
	Gw      CartFetcher
	Store   *session.Store
	Locker  lock.Locker
	LockTTL time.Duration
	Logger  zerolog.Logger
}

// HandleSnapshotReconcile is the asynq handler for TypeSnapshotReconcile.
// Per-device failures are counted and skipped; one unreachable cart must
// not abort the whole sweep.
func (r *Reconciler) HandleSnapshotReconcile(ctx context.Context, _ *asynq.Task) error {
	devices, err := r.Store.Devices(ctx)
	if err != nil {
		return err
	}
	for _, device := range devices {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		device := device
		err := r.Locker.WithLock(ctx, "sf:lock:reconcile:"+device, r.lockTTL(), func(ctx context.Context) error {
			return r.reconcileDevice(ctx, device)
		})
		if err != nil {
			r.count("failed")
			r.Logger.Warn().Err(err).Str("device_id", device).Msg("snapshot_reconcile_failed")
		}
	}
	return nil
}

func (r *Reconciler) reconcileDevice(ctx context.Context, device string) error {
	cartID, ok, err := r.Store.CartID(ctx, device)
	if err != nil {
		return err
	}
	if !ok {
		// No cart identity: any leftover snapshot is orphaned, and the
		// device drops out of the sweep set. The touch middleware
		// re-registers it the moment it comes back.
		if err := r.Store.ClearSnapshot(ctx, device); err != nil {
			return err
		}
		if err := r.Store.Forget(ctx, device); err != nil {
			return err
		}
		r.count("skipped")
		return nil
	}

	items, err := r.Gw.GetCart(ctx, cartID)
	if err != nil {
		if upstream.IsStale(err) {
			// The cart is gone upstream. Drop the stale snapshot but keep
			// the identity: the online path decides when to mint a new one.
			if clearErr := r.Store.ClearSnapshot(ctx, device); clearErr != nil {
				return clearErr
			}
			r.count("stale")
			return nil
		}
		return err
	}

	snapshot := make([]session.SnapshotItem, 0, len(items))
	for _, item := range items {
		snapshot = append(snapshot, session.SnapshotItem{
			ItemID:          item.ItemID,
			ProductID:       item.ProductID,
			Name:            item.Name,
			Description:     item.Description,
			ImageURL:        item.ImageURL,
			UnitPrice:       item.UnitPrice,
			DiscountPercent: item.DiscountPercent,
			Quantity:        item.Quantity,
		})
	}
	if err := r.Store.SetSnapshot(ctx, device, snapshot); err != nil {
		return err
	}
	r.count("ok")
	return nil
}

func (r *Reconciler) lockTTL() time.Duration {
	if r.LockTTL <= 0 {
		return 30 * time.Second
	}
	return r.LockTTL
}

func (r *Reconciler) count(result string) {
	if obs.SnapshotReconcileTotal != nil {
		obs.SnapshotReconcileTotal.WithLabelValues(result).Inc()
	}
}
