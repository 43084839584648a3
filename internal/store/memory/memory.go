// Package memory is an in-process implementation of the storage interfaces
// used by the redemption service. It mirrors the Postgres store's guarded
// updates and transaction semantics and is meant for tests.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"redemption-service/internal/models"
	"redemption-service/internal/store"
)

type state struct {
	users        map[int64]models.User
	rewards      map[int64]models.Reward
	codes        map[int64]models.Code
	redemptions  map[int64]models.Redemption
	transactions []models.PointTransaction
	nextID       int64
}

func (s *state) clone() *state {
	c := &state{
		users:        make(map[int64]models.User, len(s.users)),
		rewards:      make(map[int64]models.Reward, len(s.rewards)),
		codes:        make(map[int64]models.Code, len(s.codes)),
		redemptions:  make(map[int64]models.Redemption, len(s.redemptions)),
		transactions: append([]models.PointTransaction(nil), s.transactions...),
		nextID:       s.nextID,
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.rewards {
		c.rewards[k] = v
	}
	for k, v := range s.codes {
		c.codes[k] = v
	}
	for k, v := range s.redemptions {
		v.Metadata = append([]byte(nil), v.Metadata...)
		c.redemptions[k] = v
	}
	return c
}

// Store is a mutex-guarded Repository. A transaction holds the mutex for its
// whole duration and restores a snapshot on error, so it is all-or-nothing
// and fully serialized.
type Store struct {
	mu    sync.Mutex
	state *state

	txErrMu sync.Mutex
	txErrs  []error

	txCalls int
}

type txKey struct{ s *Store }

// New creates an empty store
func New() *Store {
	return &Store{state: &state{
		users:       make(map[int64]models.User),
		rewards:     make(map[int64]models.Reward),
		codes:       make(map[int64]models.Code),
		redemptions: make(map[int64]models.Redemption),
	}}
}

// lock acquires the mutex unless ctx already belongs to a transaction on s
func (s *Store) lock(ctx context.Context) func() {
	if ctx.Value(txKey{s}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// FailTransactions makes the next WithTx calls fail with errs, one per call,
// before fn runs.
func (s *Store) FailTransactions(errs ...error) {
	s.txErrMu.Lock()
	defer s.txErrMu.Unlock()
	s.txErrs = append(s.txErrs, errs...)
}

// TxCalls returns how many transactions were started
func (s *Store) TxCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txCalls
}

func (s *Store) nextTxErr() error {
	s.txErrMu.Lock()
	defer s.txErrMu.Unlock()
	if len(s.txErrs) == 0 {
		return nil
	}
	err := s.txErrs[0]
	s.txErrs = s.txErrs[1:]
	return err
}

// WithTx runs fn atomically. Nested calls join the outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{s}) != nil {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCalls++

	if err := s.nextTxErr(); err != nil {
		return err
	}

	snapshot := s.state.clone()
	if err := fn(context.WithValue(ctx, txKey{s}, true)); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *Store) id() int64 {
	s.state.nextID++
	return s.state.nextID
}

func notFound(kind string, id interface{}) error {
	return fmt.Errorf("%w: %s %v", store.ErrNotFound, kind, id)
}

// AddUser seeds a user and returns its ID. Total is derived from available and spent.
func (s *Store) AddUser(u models.User) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == 0 {
		u.ID = s.id()
	}
	if u.Role == "" {
		u.Role = models.RoleUser
	}
	u.Total = u.Available + u.Spent
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	s.state.users[u.ID] = u
	return u.ID
}

// AddReward seeds a reward and returns its ID
func (s *Store) AddReward(r models.Reward) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		r.ID = s.id()
	}
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	s.state.rewards[r.ID] = r
	return r.ID
}

// User returns a copy of the stored user
func (s *Store) User(id int64) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.users[id]
}

// Reward returns a copy of the stored reward
func (s *Store) Reward(id int64) models.Reward {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.rewards[id]
}

// Code returns a copy of the stored code
func (s *Store) Code(id int64) models.Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.codes[id]
}

// Codes returns all codes of a reward ordered by ID
func (s *Store) Codes(rewardID int64) []models.Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Code
	for _, c := range s.state.codes {
		if c.RewardID == rewardID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Redemptions returns all redemptions ordered by ID
func (s *Store) Redemptions() []models.Redemption {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Redemption, 0, len(s.state.redemptions))
	for _, r := range s.state.redemptions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PointTransactions returns the ledger rows of a user in insertion order
func (s *Store) PointTransactions(userID int64) []models.PointTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PointTransaction
	for _, t := range s.state.transactions {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out
}

func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	defer s.lock(ctx)()
	u, ok := s.state.users[id]
	if !ok {
		return nil, notFound("user", id)
	}
	return &u, nil
}

func (s *Store) AdjustPoints(ctx context.Context, adj models.PointAdjustment) (*models.Points, error) {
	defer s.lock(ctx)()
	u, ok := s.state.users[adj.UserID]
	if !ok {
		return nil, notFound("user", adj.UserID)
	}

	available := u.Available + adj.Delta
	spent := u.Spent + adj.SpentDelta()
	total := u.Total + adj.TotalDelta()
	if available < 0 || spent < 0 || total < 0 {
		return nil, store.ErrConditionFailed
	}

	u.Available, u.Spent, u.Total = available, spent, total
	u.UpdatedAt = time.Now()
	s.state.users[u.ID] = u
	s.state.transactions = append(s.state.transactions, models.PointTransaction{
		ID:           s.id(),
		UserID:       u.ID,
		Delta:        adj.Delta,
		Reason:       adj.Reason,
		ActorID:      adj.ActorID,
		Note:         adj.Note,
		BalanceAfter: available,
		CreatedAt:    u.UpdatedAt,
	})

	points := u.Points
	return &points, nil
}

func (s *Store) GetPointTransactions(ctx context.Context, userID int64, limit int) ([]models.PointTransaction, error) {
	defer s.lock(ctx)()
	var out []models.PointTransaction
	for i := len(s.state.transactions) - 1; i >= 0 && len(out) < limit; i-- {
		if t := s.state.transactions[i]; t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) GetReward(ctx context.Context, id int64) (*models.Reward, error) {
	defer s.lock(ctx)()
	r, ok := s.state.rewards[id]
	if !ok {
		return nil, notFound("reward", id)
	}
	return &r, nil
}

func (s *Store) ReserveStock(ctx context.Context, rewardID int64) error {
	defer s.lock(ctx)()
	r, ok := s.state.rewards[rewardID]
	if !ok {
		return notFound("reward", rewardID)
	}
	if r.IsUnlimited() || r.StockAvailable <= 0 {
		return store.ErrConditionFailed
	}
	r.StockAvailable--
	r.StockReserved++
	s.state.rewards[rewardID] = r
	return nil
}

func (s *Store) ReleaseStock(ctx context.Context, rewardID int64) error {
	defer s.lock(ctx)()
	r, ok := s.state.rewards[rewardID]
	if !ok || r.IsUnlimited() || r.StockReserved <= 0 {
		return store.ErrConditionFailed
	}
	r.StockAvailable++
	r.StockReserved--
	s.state.rewards[rewardID] = r
	return nil
}

func (s *Store) CommitStock(ctx context.Context, rewardID int64) error {
	defer s.lock(ctx)()
	r, ok := s.state.rewards[rewardID]
	if !ok || r.IsUnlimited() || r.StockReserved <= 0 {
		return store.ErrConditionFailed
	}
	r.StockReserved--
	s.state.rewards[rewardID] = r
	return nil
}

func (s *Store) ReserveCode(ctx context.Context, rewardID, userID int64) (*models.Code, error) {
	defer s.lock(ctx)()
	var picked *models.Code
	for _, c := range s.state.codes {
		if c.RewardID != rewardID || c.Status != models.CodeStatusAvailable {
			continue
		}
		if picked == nil || c.ID < picked.ID {
			c := c
			picked = &c
		}
	}
	if picked == nil {
		return nil, store.ErrConditionFailed
	}

	picked.Status = models.CodeStatusReserved
	picked.ReservedBy = sql.NullInt64{Int64: userID, Valid: true}
	picked.ReservedAt = sql.NullTime{Time: time.Now(), Valid: true}
	s.state.codes[picked.ID] = *picked
	return picked, nil
}

func (s *Store) ReleaseCode(ctx context.Context, codeID int64) error {
	defer s.lock(ctx)()
	c, ok := s.state.codes[codeID]
	if !ok || c.Status != models.CodeStatusReserved {
		return store.ErrConditionFailed
	}
	c.Status = models.CodeStatusAvailable
	c.ReservedBy = sql.NullInt64{}
	c.ReservedAt = sql.NullTime{}
	s.state.codes[codeID] = c
	return nil
}

func (s *Store) ConsumeCode(ctx context.Context, codeID, userID int64) error {
	defer s.lock(ctx)()
	c, ok := s.state.codes[codeID]
	if !ok || c.Status != models.CodeStatusReserved {
		return store.ErrConditionFailed
	}
	c.Status = models.CodeStatusUsed
	c.UsedBy = sql.NullInt64{Int64: userID, Valid: true}
	c.UsedAt = sql.NullTime{Time: time.Now(), Valid: true}
	s.state.codes[codeID] = c
	return nil
}

func (s *Store) CountAvailableCodes(ctx context.Context, rewardID int64) (int, error) {
	defer s.lock(ctx)()
	n := 0
	for _, c := range s.state.codes {
		if c.RewardID == rewardID && c.Status == models.CodeStatusAvailable {
			n++
		}
	}
	return n, nil
}

func (s *Store) ReclaimStaleCodes(ctx context.Context, cutoff time.Time) (int, error) {
	defer s.lock(ctx)()
	held := make(map[int64]bool)
	for _, r := range s.state.redemptions {
		if r.CodeID.Valid && (r.Status == models.RedemptionStatusPending || r.Status == models.RedemptionStatusFulfilled) {
			held[r.CodeID.Int64] = true
		}
	}

	n := 0
	for id, c := range s.state.codes {
		if c.Status != models.CodeStatusReserved || held[id] || !c.ReservedAt.Time.Before(cutoff) {
			continue
		}
		c.Status = models.CodeStatusAvailable
		c.ReservedBy = sql.NullInt64{}
		c.ReservedAt = sql.NullTime{}
		s.state.codes[id] = c
		n++
	}
	return n, nil
}

// AgeReservation moves a code's reservation time back by d
func (s *Store) AgeReservation(codeID int64, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.state.codes[codeID]
	c.ReservedAt.Time = c.ReservedAt.Time.Add(-d)
	s.state.codes[codeID] = c
}

func (s *Store) ImportCodes(ctx context.Context, rewardID int64, codes []string) (int, error) {
	defer s.lock(ctx)()
	if _, ok := s.state.rewards[rewardID]; !ok {
		return 0, notFound("reward", rewardID)
	}

	existing := make(map[string]struct{}, len(s.state.codes))
	for _, c := range s.state.codes {
		existing[c.Code] = struct{}{}
	}

	n := 0
	for _, code := range codes {
		if _, dup := existing[code]; dup {
			continue
		}
		existing[code] = struct{}{}
		id := s.id()
		s.state.codes[id] = models.Code{
			ID:        id,
			RewardID:  rewardID,
			Code:      code,
			Status:    models.CodeStatusAvailable,
			CreatedAt: time.Now(),
		}
		n++
	}
	return n, nil
}

func (s *Store) CreateRedemption(ctx context.Context, r *models.Redemption) error {
	defer s.lock(ctx)()
	for _, existing := range s.state.redemptions {
		live := !existing.IsTerminal() || existing.Status == models.RedemptionStatusFulfilled
		switch {
		case existing.IdempotencyKey == r.IdempotencyKey:
			return fmt.Errorf("%w: redemptions_idempotency_key_key", store.ErrDuplicateKey)
		case live && existing.Code == r.Code:
			return fmt.Errorf("%w: redemptions_code_key", store.ErrDuplicateKey)
		case live && r.CodeID.Valid && existing.CodeID == r.CodeID:
			return fmt.Errorf("%w: redemptions_code_id_key", store.ErrDuplicateKey)
		}
	}

	r.ID = s.id()
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	if len(r.Metadata) == 0 {
		r.Metadata = []byte("{}")
	}
	stored := *r
	stored.Metadata = append([]byte(nil), r.Metadata...)
	s.state.redemptions[r.ID] = stored
	return nil
}

func (s *Store) UpdateRedemptionMetadata(ctx context.Context, id int64, metadata []byte) error {
	defer s.lock(ctx)()
	r, ok := s.state.redemptions[id]
	if !ok {
		return store.ErrConditionFailed
	}
	r.Metadata = append([]byte(nil), metadata...)
	r.UpdatedAt = time.Now()
	s.state.redemptions[id] = r
	return nil
}

func (s *Store) GetRedemptionByID(ctx context.Context, id int64) (*models.Redemption, error) {
	defer s.lock(ctx)()
	r, ok := s.state.redemptions[id]
	if !ok {
		return nil, notFound("redemption", id)
	}
	return &r, nil
}

func (s *Store) GetRedemptionByCode(ctx context.Context, code string) (*models.Redemption, error) {
	return s.findRedemption(ctx, func(r models.Redemption) bool { return r.Code == code })
}

func (s *Store) GetRedemptionByIdempotencyKey(ctx context.Context, key string) (*models.Redemption, error) {
	return s.findRedemption(ctx, func(r models.Redemption) bool { return r.IdempotencyKey == key })
}

func (s *Store) GetRedemptionsByUserID(ctx context.Context, userID int64) ([]models.Redemption, error) {
	defer s.lock(ctx)()
	var out []models.Redemption
	for _, r := range s.state.redemptions {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *Store) findRedemption(ctx context.Context, match func(models.Redemption) bool) (*models.Redemption, error) {
	defer s.lock(ctx)()
	var found *models.Redemption
	for _, r := range s.state.redemptions {
		if match(r) && (found == nil || r.ID > found.ID) {
			r := r
			found = &r
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

func (s *Store) TransitionRedemption(ctx context.Context, t models.RedemptionTransition) (*models.Redemption, error) {
	defer s.lock(ctx)()
	r, ok := s.state.redemptions[t.ID]
	if !ok {
		return nil, notFound("redemption", t.ID)
	}

	allowed := false
	for _, from := range t.From {
		if r.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, store.ErrConditionFailed
	}

	r.Status = t.To
	r.UpdatedAt = time.Now()
	switch t.To {
	case models.RedemptionStatusFulfilled:
		r.FulfilledAt = sql.NullTime{Time: t.At, Valid: true}
		r.FulfilledBy = sql.NullInt64{Int64: t.ActorID, Valid: true}
	case models.RedemptionStatusCancelled, models.RedemptionStatusRejected:
		r.CancelledAt = sql.NullTime{Time: t.At, Valid: true}
		r.CancelledBy = sql.NullInt64{Int64: t.ActorID, Valid: true}
		r.CancelReason = sql.NullString{String: t.Reason, Valid: true}
	}
	s.state.redemptions[t.ID] = r
	return &r, nil
}
