package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oneui/internal/domain/user"
	"oneui/internal/shared/logger"
)

type fakeUserRepo struct {
	active    []*user.User
	updates   map[uint]user.Status
	updateErr map[uint]error
}

func (f *fakeUserRepo) ListActive(context.Context) ([]*user.User, error) {
	return f.active, nil
}

func (f *fakeUserRepo) UpdateStatus(_ context.Context, userID uint, status user.Status) error {
	if err := f.updateErr[userID]; err != nil {
		return err
	}
	if f.updates == nil {
		f.updates = map[uint]user.Status{}
	}
	f.updates[userID] = status
	return nil
}

func (f *fakeUserRepo) GetByID(context.Context, uint) (*user.User, error)     { return nil, nil }
func (f *fakeUserRepo) GetByUUID(context.Context, string) (*user.User, error) { return nil, nil }
func (f *fakeUserRepo) ListActiveProjections(context.Context) ([]user.ActiveProjection, error) {
	return nil, nil
}
func (f *fakeUserRepo) IncrementUsage(context.Context, uint, uint64, uint64, time.Time) error {
	return nil
}
func (f *fakeUserRepo) ResetUsage(context.Context, uint) error { return nil }

type fakeDisconnecter struct {
	dropped []uint
}

func (f *fakeDisconnecter) Disconnect(_ context.Context, userID uint, _ string) (int, int) {
	f.dropped = append(f.dropped, userID)
	return 1, 1
}

type fakeQueue struct {
	marks int
}

func (f *fakeQueue) MarkDirty() { f.marks++ }

func TestSweepDemotesOverQuotaAndExpired(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	repo := &fakeUserRepo{active: []*user.User{
		{ID: 1, Status: user.StatusActive, DataLimit: 100, UploadUsed: 60, DownloadUsed: 50},
		{ID: 2, Status: user.StatusActive, ExpireDate: &past},
		{ID: 3, Status: user.StatusActive, DataLimit: 100, UploadUsed: 10},
	}}
	devices := &fakeDisconnecter{}
	queue := &fakeQueue{}
	sweeper := NewSweeper(repo, devices, queue, logger.NewNop())

	require.NoError(t, sweeper.Sweep(context.Background()))

	assert.Equal(t, user.StatusLimited, repo.updates[1])
	assert.Equal(t, user.StatusExpired, repo.updates[2])
	_, touched := repo.updates[3]
	assert.False(t, touched)

	assert.ElementsMatch(t, []uint{1, 2}, devices.dropped)
	assert.Equal(t, 1, queue.marks)
}

func TestSweepExpiryWinsOverQuota(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	repo := &fakeUserRepo{active: []*user.User{
		{ID: 1, Status: user.StatusActive, DataLimit: 100, UploadUsed: 200, ExpireDate: &past},
	}}
	sweeper := NewSweeper(repo, nil, nil, logger.NewNop())

	require.NoError(t, sweeper.Sweep(context.Background()))
	assert.Equal(t, user.StatusExpired, repo.updates[1])
}

func TestSweepNoChangesNoDirtyMark(t *testing.T) {
	repo := &fakeUserRepo{active: []*user.User{
		{ID: 1, Status: user.StatusActive},
	}}
	queue := &fakeQueue{}
	sweeper := NewSweeper(repo, nil, queue, logger.NewNop())

	require.NoError(t, sweeper.Sweep(context.Background()))
	assert.Zero(t, queue.marks)
}

func TestSweepContinuesPastRowErrors(t *testing.T) {
	repo := &fakeUserRepo{
		active: []*user.User{
			{ID: 1, Status: user.StatusActive, DataLimit: 10, UploadUsed: 20},
			{ID: 2, Status: user.StatusActive, DataLimit: 10, UploadUsed: 20},
		},
		updateErr: map[uint]error{1: errors.New("deadlock")},
	}
	queue := &fakeQueue{}
	sweeper := NewSweeper(repo, nil, queue, logger.NewNop())

	err := sweeper.Sweep(context.Background())
	require.Error(t, err)
	assert.Equal(t, user.StatusLimited, repo.updates[2])
	assert.Equal(t, 1, queue.marks)
}

func TestSweepUnlimitedUserUntouched(t *testing.T) {
	repo := &fakeUserRepo{active: []*user.User{
		{ID: 1, Status: user.StatusActive, UploadUsed: 1 << 40},
	}}
	sweeper := NewSweeper(repo, nil, nil, logger.NewNop())
	require.NoError(t, sweeper.Sweep(context.Background()))
	assert.Empty(t, repo.updates)
}
