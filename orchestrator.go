package fes

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mickamy/fes/ferrors"
	"github.com/mickamy/fes/internal/eventbuf"
	"github.com/mickamy/fes/internal/latest"
	"github.com/mickamy/fes/internal/statepointer"
	"github.com/mickamy/fes/scheduler"
)

// shatterState tracks a pending shatter-and-rehydrate, queued lazily so
// that intermingled harmless events don't each trigger their own
// rehydration.
type shatterState struct {
	earliest      EventKey
	rehydrateUpTo OffsetMap
}

// Orchestrator runs the full per-aggregate lifecycle: hydrate, process,
// compute state, snapshot, shatter. One Orchestrator corresponds to one
// aggregate instance and is not safe for concurrent use — the caller
// must serialize calls per instance.
type Orchestrator[Blob any] struct {
	id      Identity
	fold    FoldFunc
	isReset IsResetFunc
	initial any

	stateCodec    StateCodec[Blob]
	eventStore    EventStore
	snapshotStore SnapshotStore[Blob]
	sched         scheduler.Scheduler
	subscription  Filter

	buf      *eventbuf.Buffer
	pointers *statepointer.Table[Blob]
	latest   *latest.Holder[Blob]

	present     OffsetMap
	baseState   any
	baseOffsets OffsetMap
	horizon     *EventKey

	shatter                 *shatterState
	recomputeLocalSnapshots bool
	cycle                   uint64

	log *zap.Logger
	cfg config[Blob]
}

// Initialize constructs an Orchestrator and performs its initial
// hydration up to present.
func Initialize[Blob any](
	ctx context.Context,
	id Identity,
	fold FoldFunc,
	isReset IsResetFunc,
	initial any,
	stateCodec StateCodec[Blob],
	eventStore EventStore,
	snapshotStore SnapshotStore[Blob],
	present OffsetMap,
	opts ...Option[Blob],
) (*Orchestrator[Blob], error) {
	cfg := defaultConfig[Blob]()
	for _, opt := range opts {
		opt(&cfg)
	}

	o := &Orchestrator[Blob]{
		id:            id,
		fold:          fold,
		isReset:       isReset,
		initial:       initial,
		stateCodec:    stateCodec,
		eventStore:    eventStore,
		snapshotStore: snapshotStore,
		sched:         cfg.scheduler,
		subscription:  cfg.subscription,
		present:       present.Clone(),
		log:           cfg.logger,
		cfg:           cfg,
	}
	o.buf = eventbuf.New(o.log)
	o.latest = latest.New[Blob]()
	o.pointers = statepointer.New[Blob](o.sched, o.tableOpts()...)

	if snap, ok, err := snapshotStore.Retrieve(ctx, id); err != nil {
		return nil, ferrors.New(id, ferrors.OpRetrieve, ferrors.EventStoreFailed, nil, err)
	} else if ok {
		if err := o.latest.SetLocal(snap); err != nil {
			return nil, ferrors.New(id, ferrors.OpRetrieve, ferrors.InvariantViolation, snap.EventKey, err)
		}
	}

	base, offsets, horizon, err := o.deriveBase()
	if err != nil {
		// The retrieved snapshot cannot be deserialized: drop it and
		// hydrate from scratch instead.
		o.log.Warn("fes: dropping undeserializable local snapshot", zap.Error(err))
		o.latest.ClearLocal()
		base, offsets, horizon, err = o.deriveBase()
		if err != nil {
			return nil, err
		}
	}
	o.baseState = base
	o.baseOffsets = offsets
	o.horizon = horizon

	if isReset != nil {
		if err := o.hydrateViaSemanticScan(ctx, offsets); err != nil {
			return nil, err
		}
	} else {
		if err := o.hydrateAscendingChunked(ctx, offsets); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Orchestrator[Blob]) tableOpts() []statepointer.Option[Blob] {
	var opts []statepointer.Option[Blob]
	if o.cfg.windowSize > 0 && o.cfg.spacing > 0 {
		opts = append(opts, statepointer.WithWindow[Blob](o.cfg.windowSize, o.cfg.spacing))
	}
	if o.cfg.perSourceCaching {
		opts = append(opts, statepointer.WithPerSourceCaching[Blob](true))
	}
	if o.cfg.hotCacheSize > 0 {
		opts = append(opts, statepointer.WithHotCacheSize[Blob](o.cfg.hotCacheSize))
	}
	return append(opts, statepointer.WithLogger[Blob](o.log))
}

func (o *Orchestrator[Blob]) optsFromConfig() []Option[Blob] {
	return []Option[Blob]{
		WithLogger[Blob](o.log),
		WithScheduler[Blob](o.sched),
		WithBufferConfig[Blob](o.cfg.windowSize, o.cfg.spacing),
		WithPerSourceCaching[Blob](o.cfg.perSourceCaching),
		WithHotCacheSize[Blob](o.cfg.hotCacheSize),
		WithSubscription[Blob](o.subscription),
	}
}

// deriveBase resolves the base state priority: semantic reset beats local
// snapshot beats the zero state.
func (o *Orchestrator[Blob]) deriveBase() (any, OffsetMap, *EventKey, error) {
	if ss, ok := o.latest.Semantic(); ok {
		state := o.fold(o.initial, ss)
		h := ss.Key
		return state, OffsetMap{ss.Source: ss.Offset}, &h, nil
	}
	if loc, ok := o.latest.Local(); ok {
		state, err := o.stateCodec.Deserialize(loc.StateBlob)
		if err != nil {
			return nil, nil, nil, ferrors.New(o.id, ferrors.OpDeserializeState, ferrors.DeserializeStateFailed, loc.EventKey, err)
		}
		return state, loc.Offsets.Clone(), loc.Horizon, nil
	}
	return o.initial, OffsetMap{}, nil, nil
}

// hydrateAscendingChunked fetches present history in ascending order and
// folds it chunk by chunk (the no-reset-predicate branch).
// The fetch and error channels are drained under one errgroup so a
// late-arriving store error can abort mid-fold without the fold loop
// having to poll it directly.
func (o *Orchestrator[Blob]) hydrateAscendingChunked(ctx context.Context, fromExclusive OffsetMap) error {
	chunks, errc := o.eventStore.PersistedEvents(ctx, o.id, fromExclusive, o.present, o.subscription, Ascending, o.horizon)

	eg, egctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		for chunk := range chunks {
			if egctx.Err() != nil {
				return egctx.Err()
			}
			if _, err := o.processBatchInternal([]Event(chunk)); err != nil {
				return err
			}
		}
		return nil
	})
	eg.Go(func() error {
		for err := range errc {
			if err != nil {
				return ferrors.New(o.id, ferrors.OpRetrieve, ferrors.EventStoreFailed, nil, err)
			}
		}
		return nil
	})
	return eg.Wait()
}

// hydrateViaSemanticScan implements the reset-predicate
// branch: walk backward from present until (and including) the most
// recent reset event, then fold forward from there.
func (o *Orchestrator[Blob]) hydrateViaSemanticScan(ctx context.Context, fromExclusive OffsetMap) error {
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, errc := o.eventStore.PersistedEvents(scanCtx, o.id, fromExclusive, o.present, o.subscription, Descending, o.horizon)

	var collected []Event
	found := false
scan:
	for chunk := range chunks {
		for _, e := range chunk {
			collected = append(collected, e)
			if o.isReset(e) {
				found = true
				break scan
			}
		}
	}
	cancel()
	for range chunks {
	}
	for err := range errc {
		if err != nil && !found {
			return ferrors.New(o.id, ferrors.OpRetrieve, ferrors.EventStoreFailed, nil, err)
		}
	}

	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	_, err := o.processBatchInternal(collected)
	return err
}

// ProcessEvents ingests a sorted batch. It returns true
// if CurrentState must be called because state may have changed or been
// invalidated.
func (o *Orchestrator[Blob]) ProcessEvents(batch []Event) (bool, error) {
	return o.processBatchInternal(batch)
}

func (o *Orchestrator[Blob]) processBatchInternal(batch []Event) (bool, error) {
	if len(batch) == 0 {
		return false, nil
	}
	if !isSortedAndDeduped(batch) {
		batch = sortAndDedupBatch(batch)
		o.log.Warn("fes: repairing out-of-order or duplicate batch",
			zap.String("aggregate", o.id.String()))
	}
	if o.isReset != nil {
		return o.semanticInsert(batch)
	}
	return o.ordinaryInsert(batch)
}

func (o *Orchestrator[Blob]) ordinaryInsert(batch []Event) (bool, error) {
	if len(batch) == 0 {
		return false, nil
	}
	if o.startOrContinueShattering(batch) {
		return true, nil
	}
	report := o.buf.Insert(batch)
	if report.Changed {
		o.pointers.InvalidateDownTo(report.HighestUnmovedIndex)
	}
	return report.Changed, nil
}

func (o *Orchestrator[Blob]) semanticInsert(batch []Event) (bool, error) {
	filtered := batch
	if o.horizon != nil {
		filtered = make([]Event, 0, len(batch))
		for _, e := range batch {
			if o.horizon.Less(e.Key) {
				filtered = append(filtered, e)
			}
		}
	}
	if len(filtered) == 0 {
		return false, nil
	}

	ssIdx := -1
	for i := len(filtered) - 1; i >= 0; i-- {
		if o.isReset(filtered[i]) {
			ssIdx = i
			break
		}
	}
	if ssIdx == -1 {
		return o.ordinaryInsert(filtered)
	}

	ss := filtered[ssIdx]
	tailIncludingSS := filtered[ssIdx:]
	if o.startOrContinueShattering(tailIncludingSS) {
		return true, nil
	}

	if err := o.latest.SetSemantic(ss); err != nil {
		return false, ferrors.New(o.id, ferrors.OpIsReset, ferrors.InvariantViolation, ss.Key, err)
	}
	base, offsets, horizon, err := o.deriveBase()
	if err != nil {
		return false, err
	}
	o.baseState = base
	o.baseOffsets = offsets
	o.horizon = horizon
	o.recomputeLocalSnapshots = true
	o.pointers = statepointer.New[Blob](o.sched, o.tableOpts()...)
	o.dropBufferUpTo(ss.Key)
	o.buf.Insert(filtered[ssIdx+1:])
	return true, nil
}

func (o *Orchestrator[Blob]) dropBufferUpTo(key EventKey) {
	events := o.buf.Events()
	n := 0
	for n < len(events) && !key.Less(events[n].Key) {
		n++
	}
	o.buf.TruncateFront(n)
}

// startOrContinueShattering queues a shatter, merging with any already pending.
func (o *Orchestrator[Blob]) startOrContinueShattering(newEvents []Event) bool {
	if len(newEvents) == 0 {
		return false
	}
	local, ok := o.latest.Local()
	if !ok {
		return false
	}

	if o.shatter == nil {
		if !newEvents[0].Key.Less(local.EventKey) {
			return false
		}
		rehydrateUpTo := o.rehydrateBaseOffsets()
		for _, e := range o.buf.Events() {
			rehydrateUpTo = rehydrateUpTo.WithEvent(e)
		}
		for _, e := range newEvents {
			rehydrateUpTo = rehydrateUpTo.WithEvent(e)
		}
		o.shatter = &shatterState{earliest: newEvents[0].Key, rehydrateUpTo: rehydrateUpTo}
		o.buf.Reset()
		o.pointers = statepointer.New[Blob](o.sched, o.tableOpts()...)
		return true
	}

	if newEvents[0].Key.Less(o.shatter.earliest) {
		o.shatter.earliest = newEvents[0].Key
	}
	for _, e := range newEvents {
		o.shatter.rehydrateUpTo = o.shatter.rehydrateUpTo.WithEvent(e)
	}
	return true
}

func (o *Orchestrator[Blob]) rehydrateBaseOffsets() OffsetMap {
	if entry, ok := o.pointers.LatestStored(); ok && entry.Offsets != nil {
		return entry.Offsets.Clone()
	}
	return o.baseOffsets.Clone()
}

// CurrentState returns the state for the
// entire currently known history, persisting due snapshots and
// performing a queued shatter along the way.
func (o *Orchestrator[Blob]) CurrentState(ctx context.Context) (any, OffsetMap, error) {
	if o.shatter != nil {
		return o.performShatter(ctx)
	}
	if o.recomputeLocalSnapshots {
		if err := o.snapshotStore.Invalidate(ctx, o.id, ZeroEventKey); err != nil {
			o.log.Warn("fes: snapshot invalidate failed after semantic reset", zap.Error(err))
		}
		o.recomputeLocalSnapshots = false
		o.cycle = 0
	}

	events := o.buf.Events()

	startState := o.baseState
	startOffsets := o.baseOffsets
	limit := int64(-1)
	if entry, ok := o.pointers.LatestStored(); ok {
		startState = entry.State
		startOffsets = entry.Offsets
		limit = entry.Index
	}

	levels := o.pointers.GetStatesToCache(o.cycle, events, limit)

	state := startState
	offsets := startOffsets.Clone()
	cursor := limit
	newlyPopulated := make([]statepointer.Entry[Blob], 0, len(levels))

	for _, lvl := range levels {
		for cursor < lvl.Index {
			cursor++
			e := events[cursor]
			state = o.fold(state, e)
			offsets = offsets.WithEvent(e)
		}
		entry := statepointer.Entry[Blob]{
			Tag: lvl.Tag, Index: cursor, State: state,
			FinalEvent: events[cursor], Offsets: offsets.Clone(),
			PersistAsLocal: lvl.PersistAsLocal,
		}
		if lvl.PersistAsLocal {
			blob, err := o.stateCodec.Serialize(state)
			if err != nil {
				o.log.Warn("fes: snapshot serialize failed, skipping", zap.String("tag", lvl.Tag), zap.Error(err))
			} else {
				entry.Serialized = blob
				entry.HasSerialized = true
			}
		}
		newlyPopulated = append(newlyPopulated, entry)
	}

	var tip Event
	if len(events) > 0 {
		tip = events[len(events)-1]
	}
	o.pointers.AddPopulatedPointers(newlyPopulated, tip)

	for cursor < int64(len(events))-1 {
		cursor++
		e := events[cursor]
		state = o.fold(state, e)
		offsets = offsets.WithEvent(e)
	}

	if err := o.persistDuePointers(ctx); err != nil {
		return nil, nil, err
	}

	return state, offsets, nil
}

func (o *Orchestrator[Blob]) persistDuePointers(ctx context.Context) error {
	toPersist := o.pointers.GetSnapshotsToPersist()
	if len(toPersist) == 0 {
		return nil
	}

	var stored []string
	var highest *statepointer.Entry[Blob]
	var advanced uint64
	for _, entry := range toPersist {
		if !entry.HasSerialized {
			continue
		}
		snap := LocalSnapshot[Blob]{
			StateBlob: entry.Serialized,
			Offsets:   entry.Offsets,
			EventKey:  entry.FinalEvent.Key,
			Horizon:   o.horizon,
			Cycle:     o.cycle + advanced + 1,
		}
		ok, err := o.snapshotStore.Store(ctx, o.id, entry.Tag, snap)
		if err != nil {
			o.log.Warn("fes: snapshot store failed, will retry on next current_state",
				zap.String("tag", entry.Tag), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		advanced++
		stored = append(stored, entry.Tag)
		if highest == nil || entry.Index > highest.Index {
			e := entry
			highest = &e
		}
	}
	if len(stored) == 0 {
		return nil
	}
	o.pointers.ClearPendingApplication(stored...)
	o.cycle += advanced

	if highest != nil {
		return o.becomeLocal(*highest)
	}
	return nil
}

// becomeLocal promotes the highest newly-stored snapshot to the new
// base, dropping absorbed events and shifting pointers back.
func (o *Orchestrator[Blob]) becomeLocal(entry statepointer.Entry[Blob]) error {
	drop := entry.Index + 1
	o.buf.TruncateFront(int(drop))
	o.pointers.ShiftBack(drop)

	snap := LocalSnapshot[Blob]{
		StateBlob: entry.Serialized,
		Offsets:   entry.Offsets,
		EventKey:  entry.FinalEvent.Key,
		Horizon:   o.horizon,
		Cycle:     o.cycle,
	}
	if err := o.latest.SetLocal(snap); err != nil {
		return ferrors.New(o.id, ferrors.OpStore, ferrors.InvariantViolation, entry.FinalEvent.Key, err)
	}
	o.latest.ClearSemantic()
	o.baseState = entry.State
	o.baseOffsets = entry.Offsets
	return nil
}

// performShatter runs the shatter execution phase: invalidate
// snapshots at or after the earliest affected event, then recursively
// re-hydrate up to the shatter's rehydrate-to offsets.
func (o *Orchestrator[Blob]) performShatter(ctx context.Context) (any, OffsetMap, error) {
	s := o.shatter
	o.shatter = nil

	if err := o.snapshotStore.Invalidate(ctx, o.id, s.earliest); err != nil {
		return nil, nil, ferrors.New(o.id, ferrors.OpInvalidate, ferrors.SnapshotStoreInvalidateFailed, s.earliest, err)
	}

	fresh, err := Initialize[Blob](ctx, o.id, o.fold, o.isReset, o.initial, o.stateCodec,
		o.eventStore, o.snapshotStore, s.rehydrateUpTo, o.optsFromConfig()...)
	if err != nil {
		return nil, nil, err
	}
	*o = *fresh
	return o.CurrentState(ctx)
}

// CurrentEvents returns the buffered events not yet absorbed into a
// snapshot, for introspection and tests.
func (o *Orchestrator[Blob]) CurrentEvents() []Event {
	return o.buf.Events()
}

// Validate returns a list of invariant violations, or nil if none are
// found. Debug-only: not part of the hot path.
func (o *Orchestrator[Blob]) Validate() []string {
	var merr *multierror.Error

	events := o.buf.Events()
	for i := 1; i < len(events); i++ {
		if !events[i-1].Key.Less(events[i].Key) {
			merr = multierror.Append(merr, fmt.Errorf(
				"buffer out of order or duplicate at index %d: %s >= %s", i, events[i-1].Key, events[i].Key))
		}
	}
	if o.horizon != nil {
		for _, e := range events {
			if !o.horizon.Less(e.Key) {
				merr = multierror.Append(merr, fmt.Errorf(
					"buffered event %s at or below horizon %s", e.Key, *o.horizon))
			}
		}
	}

	if merr == nil {
		return nil
	}
	out := make([]string, len(merr.Errors))
	for i, err := range merr.Errors {
		out[i] = err.Error()
	}
	return out
}

func isSortedAndDeduped(batch []Event) bool {
	for i := 1; i < len(batch); i++ {
		if !batch[i-1].Key.Less(batch[i].Key) {
			return false
		}
	}
	return true
}

func sortAndDedupBatch(batch []Event) []Event {
	sorted := append([]Event(nil), batch...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key.Less(sorted[j].Key) })

	out := sorted[:0]
	var lastKey EventKey
	hasLast := false
	for _, e := range sorted {
		if hasLast && lastKey.Equal(e.Key) {
			continue
		}
		out = append(out, e)
		lastKey = e.Key
		hasLast = true
	}
	return out
}
