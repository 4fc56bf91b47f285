package engine

import (
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/dagforge/dagforge/internal/repository"
	"github.com/dagforge/dagforge/pkg/dagforge/domain"
	"github.com/dagforge/dagforge/pkg/dagforge/models"
)

// fakeClock is a fixed clock whose Sleep returns immediately and records
// the requested durations, so retry backoff is observable without waiting.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now().Add(d)
	return ch
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
}

func (c *fakeClock) sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.slept))
	copy(out, c.slept)
	return out
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type MockDefinitionRepo struct {
	SaveFunc                 func(def *domain.WorkflowDefinition) (int64, error)
	FindByIDFunc             func(id int64) (*domain.WorkflowDefinition, error)
	FindLatestByNameFunc     func(name string) (*domain.WorkflowDefinition, error)
	FindByNameAndVersionFunc func(name string, version int) (*domain.WorkflowDefinition, error)
	FindAllFunc              func() (*[]domain.WorkflowDefinition, error)
	CountInstancesFunc       func(definitionID int64) (int, error)
	UpdateStatusFunc         func(id int64, status string) error
}

func (m *MockDefinitionRepo) Save(def *domain.WorkflowDefinition) (int64, error) {
	if m.SaveFunc != nil {
		return m.SaveFunc(def)
	}
	return 1, nil
}
func (m *MockDefinitionRepo) FindByID(id int64) (*domain.WorkflowDefinition, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(id)
	}
	return nil, sql.ErrNoRows
}
func (m *MockDefinitionRepo) FindLatestByName(name string) (*domain.WorkflowDefinition, error) {
	if m.FindLatestByNameFunc != nil {
		return m.FindLatestByNameFunc(name)
	}
	return nil, sql.ErrNoRows
}
func (m *MockDefinitionRepo) FindByNameAndVersion(name string, version int) (*domain.WorkflowDefinition, error) {
	if m.FindByNameAndVersionFunc != nil {
		return m.FindByNameAndVersionFunc(name, version)
	}
	return nil, sql.ErrNoRows
}
func (m *MockDefinitionRepo) FindAll() (*[]domain.WorkflowDefinition, error) {
	if m.FindAllFunc != nil {
		return m.FindAllFunc()
	}
	return &[]domain.WorkflowDefinition{}, nil
}
func (m *MockDefinitionRepo) CountInstances(definitionID int64) (int, error) {
	if m.CountInstancesFunc != nil {
		return m.CountInstancesFunc(definitionID)
	}
	return 0, nil
}
func (m *MockDefinitionRepo) UpdateStatus(id int64, status string) error {
	if m.UpdateStatusFunc != nil {
		return m.UpdateStatusFunc(id, status)
	}
	return nil
}

type MockLockRepo struct {
	TryAcquireFunc    func(lockKey, owner string, ttl time.Duration) (*domain.ExecutionLock, error)
	RenewFunc         func(lockKey, owner string, fencingToken int64, ttl time.Duration) (bool, error)
	ReleaseFunc       func(lockKey, owner string, fencingToken int64) error
	DeleteExpiredFunc func() ([]string, error)
}

func (m *MockLockRepo) TryAcquire(lockKey, owner string, ttl time.Duration) (*domain.ExecutionLock, error) {
	if m.TryAcquireFunc != nil {
		return m.TryAcquireFunc(lockKey, owner, ttl)
	}
	return &domain.ExecutionLock{LockKey: lockKey, Owner: owner, FencingToken: 1}, nil
}
func (m *MockLockRepo) Renew(lockKey, owner string, fencingToken int64, ttl time.Duration) (bool, error) {
	if m.RenewFunc != nil {
		return m.RenewFunc(lockKey, owner, fencingToken, ttl)
	}
	return true, nil
}
func (m *MockLockRepo) Release(lockKey, owner string, fencingToken int64) error {
	if m.ReleaseFunc != nil {
		return m.ReleaseFunc(lockKey, owner, fencingToken)
	}
	return nil
}
func (m *MockLockRepo) DeleteExpired() ([]string, error) {
	if m.DeleteExpiredFunc != nil {
		return m.DeleteExpiredFunc()
	}
	return nil, nil
}

type MockAssignmentRepo struct {
	SaveFunc                  func(a *domain.WorkflowAssignment) (int64, error)
	FindByIDFunc              func(id int64) (*domain.WorkflowAssignment, error)
	FindActiveByInstanceFunc  func(workflowInstanceID int64) (*domain.WorkflowAssignment, error)
	FindActiveAssignmentsFunc func(engineID string) (*[]domain.WorkflowAssignment, error)
	FindAllByInstanceFunc     func(workflowInstanceID int64) (*[]domain.WorkflowAssignment, error)
	UpdateStatusFunc          func(id int64, status string) error
	TransferFunc              func(priorID int64, successor *domain.WorkflowAssignment) (int64, error)
}

func (m *MockAssignmentRepo) Save(a *domain.WorkflowAssignment) (int64, error) {
	if m.SaveFunc != nil {
		return m.SaveFunc(a)
	}
	return 1, nil
}
func (m *MockAssignmentRepo) FindByID(id int64) (*domain.WorkflowAssignment, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(id)
	}
	return nil, sql.ErrNoRows
}
func (m *MockAssignmentRepo) FindActiveByInstance(workflowInstanceID int64) (*domain.WorkflowAssignment, error) {
	if m.FindActiveByInstanceFunc != nil {
		return m.FindActiveByInstanceFunc(workflowInstanceID)
	}
	return nil, sql.ErrNoRows
}
func (m *MockAssignmentRepo) FindActiveAssignments(engineID string) (*[]domain.WorkflowAssignment, error) {
	if m.FindActiveAssignmentsFunc != nil {
		return m.FindActiveAssignmentsFunc(engineID)
	}
	return &[]domain.WorkflowAssignment{}, nil
}
func (m *MockAssignmentRepo) FindAllByInstance(workflowInstanceID int64) (*[]domain.WorkflowAssignment, error) {
	if m.FindAllByInstanceFunc != nil {
		return m.FindAllByInstanceFunc(workflowInstanceID)
	}
	return &[]domain.WorkflowAssignment{}, nil
}
func (m *MockAssignmentRepo) UpdateStatus(id int64, status string) error {
	if m.UpdateStatusFunc != nil {
		return m.UpdateStatusFunc(id, status)
	}
	return nil
}
func (m *MockAssignmentRepo) Transfer(priorID int64, successor *domain.WorkflowAssignment) (int64, error) {
	if m.TransferFunc != nil {
		return m.TransferFunc(priorID, successor)
	}
	return 1, nil
}

type MockNodeAssignmentRepo struct {
	SaveFunc                     func(a *domain.WorkflowNodeAssignment) (int64, error)
	FindActiveAssignmentsFunc    func(engineID string) (*[]domain.WorkflowNodeAssignment, error)
	FindAllByInstanceAndNodeFunc func(workflowInstanceID int64, nodeID string) (*[]domain.WorkflowNodeAssignment, error)
	UpdateStatusFunc             func(id int64, status string) error
	TransferFunc                 func(priorID int64, successor *domain.WorkflowNodeAssignment) (int64, error)
}

func (m *MockNodeAssignmentRepo) Save(a *domain.WorkflowNodeAssignment) (int64, error) {
	if m.SaveFunc != nil {
		return m.SaveFunc(a)
	}
	return 1, nil
}
func (m *MockNodeAssignmentRepo) FindActiveAssignments(engineID string) (*[]domain.WorkflowNodeAssignment, error) {
	if m.FindActiveAssignmentsFunc != nil {
		return m.FindActiveAssignmentsFunc(engineID)
	}
	return &[]domain.WorkflowNodeAssignment{}, nil
}
func (m *MockNodeAssignmentRepo) FindAllByInstanceAndNode(workflowInstanceID int64, nodeID string) (*[]domain.WorkflowNodeAssignment, error) {
	if m.FindAllByInstanceAndNodeFunc != nil {
		return m.FindAllByInstanceAndNodeFunc(workflowInstanceID, nodeID)
	}
	return &[]domain.WorkflowNodeAssignment{}, nil
}
func (m *MockNodeAssignmentRepo) UpdateStatus(id int64, status string) error {
	if m.UpdateStatusFunc != nil {
		return m.UpdateStatusFunc(id, status)
	}
	return nil
}
func (m *MockNodeAssignmentRepo) Transfer(priorID int64, successor *domain.WorkflowNodeAssignment) (int64, error) {
	if m.TransferFunc != nil {
		return m.TransferFunc(priorID, successor)
	}
	return 1, nil
}

type MockEngineRepo struct {
	SaveFunc             func(e *domain.Engine) (int64, error)
	UpdateLastActiveFunc func(engineID string, ts time.Time) error
	FindAliveFunc        func(since time.Time) ([]*domain.Engine, error)
}

func (m *MockEngineRepo) Save(e *domain.Engine) (int64, error) {
	if m.SaveFunc != nil {
		return m.SaveFunc(e)
	}
	return 1, nil
}
func (m *MockEngineRepo) UpdateLastActive(engineID string, ts time.Time) error {
	if m.UpdateLastActiveFunc != nil {
		return m.UpdateLastActiveFunc(engineID, ts)
	}
	return nil
}
func (m *MockEngineRepo) FindAlive(since time.Time) ([]*domain.Engine, error) {
	if m.FindAliveFunc != nil {
		return m.FindAliveFunc(since)
	}
	return nil, nil
}

type MockScheduleRepo struct {
	SaveFunc             func(s *domain.Schedule) (int64, error)
	FindByIDFunc         func(id int64) (*domain.Schedule, error)
	FindByNameFunc       func(name string) (*domain.Schedule, error)
	FindAllFunc          func() (*[]domain.Schedule, error)
	FindDueSchedulesFunc func(limit int) (*[]domain.Schedule, error)
	ClaimNextRunFunc     func(id int64, observed time.Time, next time.Time) (bool, error)
	UpdateLastRunFunc    func(id int64, lastRunAt time.Time, status string) error
	SetEnabledFunc       func(id int64, enabled bool) error
	UpdateNextRunAtFunc  func(id int64, next time.Time) error
}

func (m *MockScheduleRepo) Save(s *domain.Schedule) (int64, error) {
	if m.SaveFunc != nil {
		return m.SaveFunc(s)
	}
	return 1, nil
}
func (m *MockScheduleRepo) FindByID(id int64) (*domain.Schedule, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(id)
	}
	return nil, sql.ErrNoRows
}
func (m *MockScheduleRepo) FindByName(name string) (*domain.Schedule, error) {
	if m.FindByNameFunc != nil {
		return m.FindByNameFunc(name)
	}
	return nil, sql.ErrNoRows
}
func (m *MockScheduleRepo) FindAll() (*[]domain.Schedule, error) {
	if m.FindAllFunc != nil {
		return m.FindAllFunc()
	}
	return &[]domain.Schedule{}, nil
}
func (m *MockScheduleRepo) FindDueSchedules(limit int) (*[]domain.Schedule, error) {
	if m.FindDueSchedulesFunc != nil {
		return m.FindDueSchedulesFunc(limit)
	}
	return &[]domain.Schedule{}, nil
}
func (m *MockScheduleRepo) ClaimNextRun(id int64, observed time.Time, next time.Time) (bool, error) {
	if m.ClaimNextRunFunc != nil {
		return m.ClaimNextRunFunc(id, observed, next)
	}
	return true, nil
}
func (m *MockScheduleRepo) UpdateLastRun(id int64, lastRunAt time.Time, status string) error {
	if m.UpdateLastRunFunc != nil {
		return m.UpdateLastRunFunc(id, lastRunAt, status)
	}
	return nil
}
func (m *MockScheduleRepo) SetEnabled(id int64, enabled bool) error {
	if m.SetEnabledFunc != nil {
		return m.SetEnabledFunc(id, enabled)
	}
	return nil
}
func (m *MockScheduleRepo) UpdateNextRunAt(id int64, next time.Time) error {
	if m.UpdateNextRunAtFunc != nil {
		return m.UpdateNextRunAtFunc(id, next)
	}
	return nil
}

type MockScheduleExecutionRepo struct {
	SaveFunc                func(se *domain.ScheduleExecution) (int64, error)
	FinishExecutionFunc     func(id int64, status string, errText string) error
	FindAllByScheduleIDFunc func(scheduleID int64, limit int) (*[]domain.ScheduleExecution, error)
}

func (m *MockScheduleExecutionRepo) Save(se *domain.ScheduleExecution) (int64, error) {
	if m.SaveFunc != nil {
		return m.SaveFunc(se)
	}
	return 1, nil
}
func (m *MockScheduleExecutionRepo) FinishExecution(id int64, status string, errText string) error {
	if m.FinishExecutionFunc != nil {
		return m.FinishExecutionFunc(id, status, errText)
	}
	return nil
}
func (m *MockScheduleExecutionRepo) FindAllByScheduleID(scheduleID int64, limit int) (*[]domain.ScheduleExecution, error) {
	if m.FindAllByScheduleIDFunc != nil {
		return m.FindAllByScheduleIDFunc(scheduleID, limit)
	}
	return &[]domain.ScheduleExecution{}, nil
}

// memInstanceRepo and memNodeRepo are stateful in-memory repositories for
// end-to-end drive tests, where func-field mocks would drown the test in
// bookkeeping closures.
type memInstanceRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*domain.WorkflowInstance
}

func newMemInstanceRepo() *memInstanceRepo {
	return &memInstanceRepo{rows: map[int64]*domain.WorkflowInstance{}}
}

func (r *memInstanceRepo) Save(wi *domain.WorkflowInstance) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	wi.ID = r.nextID
	cp := *wi
	r.rows[wi.ID] = &cp
	return wi.ID, nil
}

func (r *memInstanceRepo) FindByID(id int64) (*domain.WorkflowInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wi, ok := r.rows[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *wi
	return &cp, nil
}

func (r *memInstanceRepo) FindByExternalID(externalID string) (*domain.WorkflowInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, wi := range r.rows {
		if wi.ExternalID == externalID {
			cp := *wi
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func instanceActive(status string) bool {
	return !models.InstanceStatus(status).Terminal()
}

func (r *memInstanceRepo) FindActiveByMutexKey(mutexKey string) (*[]domain.WorkflowInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.WorkflowInstance
	for _, wi := range r.rows {
		if wi.MutexKey.Valid && wi.MutexKey.String == mutexKey && instanceActive(wi.Status) {
			out = append(out, *wi)
		}
	}
	return &out, nil
}

func (r *memInstanceRepo) FindActiveByBusinessKey(businessKey string) (*[]domain.WorkflowInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.WorkflowInstance
	for _, wi := range r.rows {
		if wi.BusinessKey == businessKey && instanceActive(wi.Status) {
			out = append(out, *wi)
		}
	}
	return &out, nil
}

func (r *memInstanceRepo) FindResumable(limit int) (*[]domain.WorkflowInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.WorkflowInstance
	for _, wi := range r.rows {
		status := models.InstanceStatus(wi.Status)
		if status == models.InstancePending || status == models.InstanceRunning {
			out = append(out, *wi)
		}
		if len(out) >= limit {
			break
		}
	}
	return &out, nil
}

func (r *memInstanceRepo) UpdateStatus(id int64, status models.InstanceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if wi, ok := r.rows[id]; ok {
		wi.Status = string(status)
	}
	return nil
}

func (r *memInstanceRepo) UpdateStartingTime(id int64) error { return nil }

func (r *memInstanceRepo) UpdateCheckpoint(id int64, currentNodeID string, checkpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if wi, ok := r.rows[id]; ok {
		wi.CurrentNodeID = sql.NullString{String: currentNodeID, Valid: true}
		wi.CheckpointData = sql.NullString{String: checkpoint, Valid: true}
	}
	return nil
}

func (r *memInstanceRepo) SaveContextData(id int64, contextData string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if wi, ok := r.rows[id]; ok {
		wi.ContextData = sql.NullString{String: contextData, Valid: true}
	}
	return nil
}

func (r *memInstanceRepo) MarkCompleted(id int64, status models.InstanceStatus, errorMessage, errorDetails string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if wi, ok := r.rows[id]; ok {
		wi.Status = string(status)
		if errorMessage != "" {
			wi.ErrorMessage = sql.NullString{String: errorMessage, Valid: true}
		}
		if errorDetails != "" {
			wi.ErrorDetails = sql.NullString{String: errorDetails, Valid: true}
		}
	}
	return nil
}

func (r *memInstanceRepo) RequestCancel(id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wi, ok := r.rows[id]
	if !ok || models.InstanceStatus(wi.Status).Terminal() {
		return false, nil
	}
	wi.Status = string(models.InstanceCancelled)
	return true, nil
}

func (r *memInstanceRepo) SearchInstances(req models.SearchInstancesRequest) (*[]domain.WorkflowInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.WorkflowInstance
	for _, wi := range r.rows {
		if req.ExternalID != "" && wi.ExternalID != req.ExternalID {
			continue
		}
		if req.BusinessKey != "" && wi.BusinessKey != req.BusinessKey {
			continue
		}
		out = append(out, *wi)
	}
	return &out, nil
}

type memNodeRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*domain.NodeInstance
}

func newMemNodeRepo() *memNodeRepo {
	return &memNodeRepo{rows: map[int64]*domain.NodeInstance{}}
}

func (r *memNodeRepo) Save(ni *domain.NodeInstance) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked(ni), nil
}

func (r *memNodeRepo) saveLocked(ni *domain.NodeInstance) int64 {
	r.nextID++
	ni.ID = r.nextID
	cp := *ni
	r.rows[ni.ID] = &cp
	return ni.ID
}

func (r *memNodeRepo) FindByID(id int64) (*domain.NodeInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ni, ok := r.rows[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *ni
	return &cp, nil
}

func (r *memNodeRepo) FindByNodeID(workflowInstanceID int64, nodeID string) (*domain.NodeInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ni := range r.rows {
		if ni.WorkflowInstanceID == workflowInstanceID && ni.NodeID == nodeID && !ni.ParentID.Valid {
			cp := *ni
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r *memNodeRepo) FindAllByWorkflowInstanceID(workflowInstanceID int64) (*[]domain.NodeInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.NodeInstance
	for _, ni := range r.rows {
		if ni.WorkflowInstanceID == workflowInstanceID {
			out = append(out, *ni)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return &out, nil
}

func (r *memNodeRepo) FindChildren(parentID int64) (*[]domain.NodeInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.NodeInstance
	for _, ni := range r.rows {
		if ni.ParentID.Valid && ni.ParentID.Int64 == parentID {
			out = append(out, *ni)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemIndex.Int64 < out[j].ItemIndex.Int64 })
	return &out, nil
}

func (r *memNodeRepo) CountChildren(parentID int64) (int, error) {
	children, _ := r.FindChildren(parentID)
	return len(*children), nil
}

func (r *memNodeRepo) PopulateChildren(parentID int64, children []*domain.NodeInstance, progress string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range children {
		r.saveLocked(c)
	}
	if parent, ok := r.rows[parentID]; ok {
		parent.Progress = sql.NullString{String: progress, Valid: true}
	}
	return nil
}

func (r *memNodeRepo) MarkRunning(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ni, ok := r.rows[id]; ok && ni.Status == string(models.NodePending) {
		ni.Status = string(models.NodeRunning)
	}
	return nil
}

func (r *memNodeRepo) MarkTerminal(id int64, status models.NodeStatus, outputData, errorMessage string, attemptCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ni, ok := r.rows[id]
	if !ok || models.NodeStatus(ni.Status).Terminal() {
		return nil
	}
	ni.Status = string(status)
	ni.AttemptCount = attemptCount
	if outputData != "" {
		ni.OutputData = sql.NullString{String: outputData, Valid: true}
	}
	if errorMessage != "" {
		ni.ErrorMessage = sql.NullString{String: errorMessage, Valid: true}
	}
	return nil
}

func (r *memNodeRepo) UpdateProgress(id int64, progress string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ni, ok := r.rows[id]; ok {
		ni.Progress = sql.NullString{String: progress, Valid: true}
	}
	return nil
}

func (r *memNodeRepo) UpdateAttemptCount(id int64, attemptCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ni, ok := r.rows[id]; ok {
		ni.AttemptCount = attemptCount
	}
	return nil
}

func (r *memNodeRepo) CancelPending(workflowInstanceID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ni := range r.rows {
		if ni.WorkflowInstanceID == workflowInstanceID && ni.Status == string(models.NodePending) {
			ni.Status = string(models.NodeCancelled)
		}
	}
	return nil
}

// memLockRepo mirrors the SQL lease semantics including fencing tokens.
type memLockRepo struct {
	mu    sync.Mutex
	clock *fakeClock
	locks map[string]*domain.ExecutionLock
}

func newMemLockRepo(clock *fakeClock) *memLockRepo {
	return &memLockRepo{clock: clock, locks: map[string]*domain.ExecutionLock{}}
}

func (r *memLockRepo) TryAcquire(lockKey, owner string, ttl time.Duration) (*domain.ExecutionLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	existing, ok := r.locks[lockKey]
	if ok && existing.Owner != owner && existing.ExpiresAt.After(now) {
		return nil, repository.ErrLockHeld
	}
	token := int64(1)
	if ok {
		token = existing.FencingToken + 1
	}
	lock := &domain.ExecutionLock{
		LockKey:      lockKey,
		Owner:        owner,
		FencingToken: token,
		ExpiresAt:    now.Add(ttl),
	}
	r.locks[lockKey] = lock
	cp := *lock
	return &cp, nil
}

func (r *memLockRepo) Renew(lockKey, owner string, fencingToken int64, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.locks[lockKey]
	if !ok || existing.Owner != owner || existing.FencingToken != fencingToken {
		return false, nil
	}
	existing.ExpiresAt = r.clock.Now().Add(ttl)
	return true, nil
}

func (r *memLockRepo) Release(lockKey, owner string, fencingToken int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.locks[lockKey]
	if ok && existing.Owner == owner && existing.FencingToken == fencingToken {
		delete(r.locks, lockKey)
	}
	return nil
}

func (r *memLockRepo) DeleteExpired() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	var reclaimed []string
	for key, lock := range r.locks {
		if !lock.ExpiresAt.After(now) {
			reclaimed = append(reclaimed, key)
			delete(r.locks, key)
		}
	}
	return reclaimed, nil
}
