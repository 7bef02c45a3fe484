package repository

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/campus-rewards/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Используется в тестах и при локальном запуске.
// Транзакции сериализуются общим мьютексом и откатываются восстановлением снимка.
type MemoryRepository struct {
	mu sync.Mutex
	st *memState
}

type memState struct {
	users        map[int64]model.User
	rewards      map[int64]model.Reward
	redemptions  map[string]model.Redemption
	codes        map[string]string
	transactions []model.PointTransaction
	references   map[string]int
	streaks      map[int64]model.Streak
	audit        []model.AuditEvent
	nextRewardID int64
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{st: &memState{
		users:       make(map[int64]model.User),
		rewards:     make(map[int64]model.Reward),
		redemptions: make(map[string]model.Redemption),
		codes:       make(map[string]string),
		references:  make(map[string]int),
		streaks:     make(map[int64]model.Streak),
	}}
}

func (s *memState) clone() *memState {
	return &memState{
		users:        maps.Clone(s.users),
		rewards:      maps.Clone(s.rewards),
		redemptions:  maps.Clone(s.redemptions),
		codes:        maps.Clone(s.codes),
		transactions: append([]model.PointTransaction(nil), s.transactions...),
		references:   maps.Clone(s.references),
		streaks:      maps.Clone(s.streaks),
		audit:        append([]model.AuditEvent(nil), s.audit...),
		nextRewardID: s.nextRewardID,
	}
}

// PutUser создаёт или обновляет пользователя. Баланс меняется только через журнал.
func (m *MemoryRepository) PutUser(id int64, name string, role model.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.st.users[id]
	u.ID, u.Name, u.Role = id, name, role
	m.st.users[id] = u
}

// PutReward добавляет награду в каталог и возвращает её идентификатор.
func (m *MemoryRepository) PutReward(r model.Reward) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ID == 0 {
		m.st.nextRewardID++
		r.ID = m.st.nextRewardID
	} else if r.ID > m.st.nextRewardID {
		m.st.nextRewardID = r.ID
	}
	if r.Stock != nil {
		v := *r.Stock
		r.Stock = &v
	}
	m.st.rewards[r.ID] = r
	return r.ID
}

// AuditEvents возвращает сохранённые события аудита.
func (m *MemoryRepository) AuditEvents() []model.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AuditEvent(nil), m.st.audit...)
}

// InTx выполняет fn под общим мьютексом и восстанавливает снимок при ошибке.
func (m *MemoryRepository) InTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(ctx, memTx{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// Close ничего не делает.
func (m *MemoryRepository) Close() error { return nil }

func (m *MemoryRepository) tx() (memTx, func()) {
	m.mu.Lock()
	return memTx{st: m.st}, m.mu.Unlock
}

// GetUser возвращает пользователя по идентификатору.
func (m *MemoryRepository) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	q, unlock := m.tx()
	defer unlock()
	return q.GetUser(ctx, userID)
}

// GetUserForUpdate вне транзакции равносилен GetUser.
func (m *MemoryRepository) GetUserForUpdate(ctx context.Context, userID int64) (*model.User, error) {
	return m.GetUser(ctx, userID)
}

// AddUserPoints изменяет баланс пользователя на delta, не допуская отрицательного значения.
func (m *MemoryRepository) AddUserPoints(ctx context.Context, userID int64, delta int64) (int64, error) {
	q, unlock := m.tx()
	defer unlock()
	return q.AddUserPoints(ctx, userID, delta)
}

// GetTransactionByReference возвращает запись журнала по ссылке идемпотентности.
func (m *MemoryRepository) GetTransactionByReference(ctx context.Context, reference string) (*model.PointTransaction, error) {
	q, unlock := m.tx()
	defer unlock()
	return q.GetTransactionByReference(ctx, reference)
}

// InsertTransaction добавляет запись в журнал и заполняет ID и CreatedAt.
func (m *MemoryRepository) InsertTransaction(ctx context.Context, t *model.PointTransaction) error {
	q, unlock := m.tx()
	defer unlock()
	return q.InsertTransaction(ctx, t)
}

// ListTransactionsByUser возвращает журнал пользователя в порядке добавления.
func (m *MemoryRepository) ListTransactionsByUser(ctx context.Context, userID int64) ([]model.PointTransaction, error) {
	q, unlock := m.tx()
	defer unlock()
	return q.ListTransactionsByUser(ctx, userID)
}

// SumTransactions возвращает сумму всех записей журнала пользователя.
func (m *MemoryRepository) SumTransactions(ctx context.Context, userID int64) (int64, error) {
	q, unlock := m.tx()
	defer unlock()
	return q.SumTransactions(ctx, userID)
}

// GetReward возвращает награду из каталога.
func (m *MemoryRepository) GetReward(ctx context.Context, rewardID int64) (*model.Reward, error) {
	q, unlock := m.tx()
	defer unlock()
	return q.GetReward(ctx, rewardID)
}

// GetRewardForUpdate вне транзакции равносилен GetReward.
func (m *MemoryRepository) GetRewardForUpdate(ctx context.Context, rewardID int64) (*model.Reward, error) {
	return m.GetReward(ctx, rewardID)
}

// AdjustStock изменяет конечный остаток награды на delta.
func (m *MemoryRepository) AdjustStock(ctx context.Context, rewardID int64, delta int64) error {
	q, unlock := m.tx()
	defer unlock()
	return q.AdjustStock(ctx, rewardID, delta)
}

// InsertRedemption сохраняет новую заявку.
func (m *MemoryRepository) InsertRedemption(ctx context.Context, r *model.Redemption) error {
	q, unlock := m.tx()
	defer unlock()
	return q.InsertRedemption(ctx, r)
}

// GetRedemption возвращает заявку по идентификатору.
func (m *MemoryRepository) GetRedemption(ctx context.Context, id string) (*model.Redemption, error) {
	q, unlock := m.tx()
	defer unlock()
	return q.GetRedemption(ctx, id)
}

// GetRedemptionForUpdate вне транзакции равносилен GetRedemption.
func (m *MemoryRepository) GetRedemptionForUpdate(ctx context.Context, id string) (*model.Redemption, error) {
	return m.GetRedemption(ctx, id)
}

// GetRedemptionByCode возвращает заявку по коду для ручного ввода.
func (m *MemoryRepository) GetRedemptionByCode(ctx context.Context, code string) (*model.Redemption, error) {
	q, unlock := m.tx()
	defer unlock()
	return q.GetRedemptionByCode(ctx, code)
}

// ListRedemptionsByUser возвращает заявки пользователя, новые первыми.
func (m *MemoryRepository) ListRedemptionsByUser(ctx context.Context, userID int64) ([]model.Redemption, error) {
	q, unlock := m.tx()
	defer unlock()
	return q.ListRedemptionsByUser(ctx, userID)
}

// VerifyRedemption выполняет условный переход pending → verified одним UPDATE.
func (m *MemoryRepository) VerifyRedemption(ctx context.Context, id string, at time.Time, verifiedBy int64) (bool, error) {
	q, unlock := m.tx()
	defer unlock()
	return q.VerifyRedemption(ctx, id, at, verifiedBy)
}

// CancelRedemption выполняет условный переход pending → cancelled.
func (m *MemoryRepository) CancelRedemption(ctx context.Context, id string, at time.Time) (bool, error) {
	q, unlock := m.tx()
	defer unlock()
	return q.CancelRedemption(ctx, id, at)
}

// ExpireRedemption выполняет условный переход pending → expired для просроченной заявки.
func (m *MemoryRepository) ExpireRedemption(ctx context.Context, id string, at time.Time) (bool, error) {
	q, unlock := m.tx()
	defer unlock()
	return q.ExpireRedemption(ctx, id, at)
}

// ExpireOverdue переводит пачку просроченных заявок в expired.
func (m *MemoryRepository) ExpireOverdue(ctx context.Context, at time.Time, limit int) ([]model.Redemption, error) {
	q, unlock := m.tx()
	defer unlock()
	return q.ExpireOverdue(ctx, at, limit)
}

// GetStreak возвращает текущую серию пользователя.
func (m *MemoryRepository) GetStreak(ctx context.Context, userID int64) (*model.Streak, error) {
	q, unlock := m.tx()
	defer unlock()
	return q.GetStreak(ctx, userID)
}

// SaveStreak сохраняет серию пользователя.
func (m *MemoryRepository) SaveStreak(ctx context.Context, s *model.Streak) error {
	q, unlock := m.tx()
	defer unlock()
	return q.SaveStreak(ctx, s)
}

// InsertAuditEvent сохраняет событие аудита.
func (m *MemoryRepository) InsertAuditEvent(ctx context.Context, e model.AuditEvent) error {
	q, unlock := m.tx()
	defer unlock()
	return q.InsertAuditEvent(ctx, e)
}

// memTx работает с состоянием без блокировок: вызывающий уже держит мьютекс.
type memTx struct {
	st *memState
}

func (q memTx) GetUser(_ context.Context, userID int64) (*model.User, error) {
	u, ok := q.st.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (q memTx) GetUserForUpdate(ctx context.Context, userID int64) (*model.User, error) {
	return q.GetUser(ctx, userID)
}

func (q memTx) AddUserPoints(_ context.Context, userID int64, delta int64) (int64, error) {
	u, ok := q.st.users[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	if u.Points+delta < 0 {
		return 0, ErrInsufficientBalance
	}
	u.Points += delta
	q.st.users[userID] = u
	return u.Points, nil
}

func (q memTx) GetTransactionByReference(_ context.Context, reference string) (*model.PointTransaction, error) {
	i, ok := q.st.references[reference]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	t := q.st.transactions[i]
	return &t, nil
}

func (q memTx) InsertTransaction(_ context.Context, t *model.PointTransaction) error {
	if _, ok := q.st.references[t.Reference]; ok {
		return ErrDuplicateReference
	}
	if _, ok := q.st.users[t.UserID]; !ok {
		return ErrUserNotFound
	}
	t.ID = int64(len(q.st.transactions) + 1)
	q.st.references[t.Reference] = len(q.st.transactions)
	q.st.transactions = append(q.st.transactions, *t)
	return nil
}

func (q memTx) ListTransactionsByUser(_ context.Context, userID int64) ([]model.PointTransaction, error) {
	var res []model.PointTransaction
	for _, t := range q.st.transactions {
		if t.UserID == userID {
			res = append(res, t)
		}
	}
	return res, nil
}

func (q memTx) SumTransactions(_ context.Context, userID int64) (int64, error) {
	var sum int64
	for _, t := range q.st.transactions {
		if t.UserID == userID {
			sum += t.Amount
		}
	}
	return sum, nil
}

func (q memTx) GetReward(_ context.Context, rewardID int64) (*model.Reward, error) {
	r, ok := q.st.rewards[rewardID]
	if !ok {
		return nil, ErrRewardNotFound
	}
	if r.Stock != nil {
		v := *r.Stock
		r.Stock = &v
	}
	return &r, nil
}

func (q memTx) GetRewardForUpdate(ctx context.Context, rewardID int64) (*model.Reward, error) {
	return q.GetReward(ctx, rewardID)
}

func (q memTx) AdjustStock(_ context.Context, rewardID int64, delta int64) error {
	r, ok := q.st.rewards[rewardID]
	if !ok {
		return ErrRewardNotFound
	}
	if r.Stock == nil {
		return nil
	}
	if *r.Stock+delta < 0 {
		return ErrOutOfStock
	}
	v := *r.Stock + delta
	r.Stock = &v
	q.st.rewards[rewardID] = r
	return nil
}

func (q memTx) InsertRedemption(_ context.Context, r *model.Redemption) error {
	if _, ok := q.st.codes[r.Code]; ok {
		return ErrDuplicateCode
	}
	if _, ok := q.st.users[r.UserID]; !ok {
		return ErrUserNotFound
	}
	if _, ok := q.st.rewards[r.RewardID]; !ok {
		return ErrRewardNotFound
	}
	q.st.redemptions[r.ID] = *r
	q.st.codes[r.Code] = r.ID
	return nil
}

func (q memTx) GetRedemption(_ context.Context, id string) (*model.Redemption, error) {
	r, ok := q.st.redemptions[id]
	if !ok {
		return nil, ErrRedemptionNotFound
	}
	return &r, nil
}

func (q memTx) GetRedemptionForUpdate(ctx context.Context, id string) (*model.Redemption, error) {
	return q.GetRedemption(ctx, id)
}

func (q memTx) GetRedemptionByCode(ctx context.Context, code string) (*model.Redemption, error) {
	id, ok := q.st.codes[code]
	if !ok {
		return nil, ErrRedemptionNotFound
	}
	return q.GetRedemption(ctx, id)
}

func (q memTx) ListRedemptionsByUser(_ context.Context, userID int64) ([]model.Redemption, error) {
	var res []model.Redemption
	for _, r := range q.st.redemptions {
		if r.UserID == userID {
			res = append(res, r)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

func (q memTx) VerifyRedemption(_ context.Context, id string, at time.Time, verifiedBy int64) (bool, error) {
	r, ok := q.st.redemptions[id]
	if !ok || r.Status != model.RedemptionPending || r.ExpiredAt(at) {
		return false, nil
	}
	r.Status = model.RedemptionVerified
	r.VerifiedAt = &at
	r.VerifiedBy = &verifiedBy
	q.st.redemptions[id] = r
	return true, nil
}

func (q memTx) CancelRedemption(_ context.Context, id string, at time.Time) (bool, error) {
	r, ok := q.st.redemptions[id]
	if !ok || r.Status != model.RedemptionPending {
		return false, nil
	}
	r.Status = model.RedemptionCancelled
	r.CancelledAt = &at
	q.st.redemptions[id] = r
	return true, nil
}

func (q memTx) ExpireRedemption(_ context.Context, id string, at time.Time) (bool, error) {
	r, ok := q.st.redemptions[id]
	if !ok || r.Status != model.RedemptionPending || !r.ExpiredAt(at) {
		return false, nil
	}
	r.Status = model.RedemptionExpired
	q.st.redemptions[id] = r
	return true, nil
}

func (q memTx) ExpireOverdue(_ context.Context, at time.Time, limit int) ([]model.Redemption, error) {
	var overdue []model.Redemption
	for _, r := range q.st.redemptions {
		if r.Status == model.RedemptionPending && r.ExpiredAt(at) {
			overdue = append(overdue, r)
		}
	}
	sort.Slice(overdue, func(i, j int) bool {
		return overdue[i].ExpiresAt.Before(*overdue[j].ExpiresAt)
	})
	if len(overdue) > limit {
		overdue = overdue[:limit]
	}
	for i := range overdue {
		overdue[i].Status = model.RedemptionExpired
		q.st.redemptions[overdue[i].ID] = overdue[i]
	}
	return overdue, nil
}

func (q memTx) GetStreak(_ context.Context, userID int64) (*model.Streak, error) {
	s, ok := q.st.streaks[userID]
	if !ok {
		return nil, ErrStreakNotFound
	}
	return &s, nil
}

func (q memTx) SaveStreak(_ context.Context, s *model.Streak) error {
	q.st.streaks[s.UserID] = *s
	return nil
}

func (q memTx) InsertAuditEvent(_ context.Context, e model.AuditEvent) error {
	q.st.audit = append(q.st.audit, e)
	return nil
}
