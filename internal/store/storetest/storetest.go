// Package storetest holds the behavioural contract every repository
// implementation must satisfy.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"command-relay/internal/models"
	"command-relay/internal/store"
)

// Repo is a store under test
type Repo interface {
	store.CommandRepository
	store.ClientRepository
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newCommand(id string, p models.Priority, submitted time.Time) *models.Command {
	return &models.Command{
		ID:          id,
		Type:        "file_create",
		Data:        json.RawMessage(`{"filename":"a.txt"}`),
		Priority:    p,
		Source:      "producer",
		Status:      models.StatusPending,
		SubmittedAt: submitted,
		MaxAttempts: 3,
	}
}

func ids(cmds []*models.Command) []string {
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.ID
	}
	return out
}

// Run executes the full contract against repositories built by newRepo.
func Run(t *testing.T, newRepo func(t *testing.T) Repo) {
	t.Run("InsertGet", func(t *testing.T) { testInsertGet(t, newRepo(t)) })
	t.Run("DispatchOrder", func(t *testing.T) { testDispatchOrder(t, newRepo(t)) })
	t.Run("ClaimMarksProcessing", func(t *testing.T) { testClaim(t, newRepo(t)) })
	t.Run("ClaimTypeFilter", func(t *testing.T) { testClaimTypes(t, newRepo(t)) })
	t.Run("ConcurrentClaimsNeverOverlap", func(t *testing.T) { testConcurrentClaims(t, newRepo(t)) })
	t.Run("UpdateCommand", func(t *testing.T) { testUpdate(t, newRepo(t)) })
	t.Run("CompletedOrder", func(t *testing.T) { testCompletedOrder(t, newRepo(t)) })
	t.Run("ClaimedBeforeFilter", func(t *testing.T) { testClaimedBefore(t, newRepo(t)) })
	t.Run("DeleteTerminalBefore", func(t *testing.T) { testDeleteTerminal(t, newRepo(t)) })
	t.Run("Counts", func(t *testing.T) { testCounts(t, newRepo(t)) })
	t.Run("Clients", func(t *testing.T) { testClients(t, newRepo(t)) })
}

func testInsertGet(t *testing.T, r Repo) {
	ctx := context.Background()
	cmd := newCommand("c-1", models.PriorityHigh, base)
	require.NoError(t, r.InsertCommand(ctx, cmd))

	got, err := r.GetCommand(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "file_create", got.Type)
	assert.JSONEq(t, `{"filename":"a.txt"}`, string(got.Data))
	assert.Equal(t, models.StatusPending, got.Status)
	assert.True(t, got.SubmittedAt.Equal(base))
	assert.Nil(t, got.ClaimedAt)

	// Mutating the returned copy must not leak into the store.
	got.Status = models.StatusFailed
	again, err := r.GetCommand(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, again.Status)

	_, err = r.GetCommand(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testDispatchOrder(t *testing.T, r Repo) {
	ctx := context.Background()
	require.NoError(t, r.InsertCommand(ctx, newCommand("low", models.PriorityLow, base)))
	require.NoError(t, r.InsertCommand(ctx, newCommand("high-new", models.PriorityHigh, base.Add(time.Second))))
	require.NoError(t, r.InsertCommand(ctx, newCommand("medium", models.PriorityMedium, base)))
	require.NoError(t, r.InsertCommand(ctx, newCommand("high-old", models.PriorityHigh, base)))

	cmds, err := r.ListCommands(ctx, store.CommandFilter{Order: store.OrderDispatch})
	require.NoError(t, err)
	assert.Equal(t, []string{"high-old", "high-new", "medium", "low"}, ids(cmds))

	cmds, err = r.ListCommands(ctx, store.CommandFilter{Order: store.OrderDispatch, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"high-old", "high-new"}, ids(cmds))
}

func testClaim(t *testing.T, r Repo) {
	ctx := context.Background()
	require.NoError(t, r.InsertCommand(ctx, newCommand("a", models.PriorityLow, base)))
	require.NoError(t, r.InsertCommand(ctx, newCommand("b", models.PriorityHigh, base)))
	require.NoError(t, r.InsertCommand(ctx, newCommand("c", models.PriorityMedium, base)))

	now := base.Add(time.Minute)
	claimed, err := r.ClaimCommands(ctx, store.ClaimRequest{ClientID: "c1", Limit: 2, Now: now})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, ids(claimed))
	for _, c := range claimed {
		assert.Equal(t, models.StatusProcessing, c.Status)
		assert.Equal(t, "c1", c.ClaimedBy)
		require.NotNil(t, c.ClaimedAt)
		assert.True(t, c.ClaimedAt.Equal(now))
		assert.Equal(t, 1, c.Attempts)
	}

	stored, err := r.GetCommand(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, stored.Status)
	assert.Equal(t, "c1", stored.ClaimedBy)

	rest, err := r.ClaimCommands(ctx, store.ClaimRequest{ClientID: "c2", Limit: 10, Now: now})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(rest))

	none, err := r.ClaimCommands(ctx, store.ClaimRequest{ClientID: "c3", Limit: 10, Now: now})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testClaimTypes(t *testing.T, r Repo) {
	ctx := context.Background()
	other := newCommand("shell", models.PriorityHigh, base)
	other.Type = "terminal_command"
	require.NoError(t, r.InsertCommand(ctx, other))
	require.NoError(t, r.InsertCommand(ctx, newCommand("file", models.PriorityLow, base)))

	claimed, err := r.ClaimCommands(ctx, store.ClaimRequest{ClientID: "c1", Types: []string{"file_create"}, Limit: 10, Now: base})
	require.NoError(t, err)
	assert.Equal(t, []string{"file"}, ids(claimed))

	shell, err := r.GetCommand(ctx, "shell")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, shell.Status)
}

func testConcurrentClaims(t *testing.T, r Repo) {
	ctx := context.Background()
	const total = 60
	for i := 0; i < total; i++ {
		require.NoError(t, r.InsertCommand(ctx, newCommand(fmt.Sprintf("cmd-%02d", i), models.PriorityMedium, base.Add(time.Duration(i)*time.Millisecond))))
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		owner = map[string]string{}
		dupes []string
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(clientID string) {
			defer wg.Done()
			for {
				claimed, err := r.ClaimCommands(ctx, store.ClaimRequest{ClientID: clientID, Limit: 3, Now: base})
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, c := range claimed {
					if prev, ok := owner[c.ID]; ok {
						dupes = append(dupes, c.ID+" by "+prev+" and "+clientID)
					}
					owner[c.ID] = clientID
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	assert.Empty(t, dupes)
	assert.Len(t, owner, total)

	counts, err := r.CountCommands(ctx)
	require.NoError(t, err)
	assert.Equal(t, total, counts.Processing)
	assert.Zero(t, counts.Pending)
}

func testUpdate(t *testing.T, r Repo) {
	ctx := context.Background()
	require.NoError(t, r.InsertCommand(ctx, newCommand("u", models.PriorityMedium, base)))

	done := base.Add(time.Hour)
	updated, err := r.UpdateCommand(ctx, "u", func(c *models.Command) error {
		c.Status = models.StatusCompleted
		c.CompletedAt = &done
		c.Result = json.RawMessage(`"ok"`)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, updated.Status)

	got, err := r.GetCommand(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.JSONEq(t, `"ok"`, string(got.Result))
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(done))

	current, err := r.UpdateCommand(ctx, "u", func(c *models.Command) error {
		c.Status = models.StatusFailed
		return store.ErrNoChange
	})
	assert.True(t, errors.Is(err, store.ErrNoChange))
	require.NotNil(t, current)
	assert.Equal(t, models.StatusCompleted, current.Status)

	boom := errors.New("boom")
	_, err = r.UpdateCommand(ctx, "u", func(c *models.Command) error {
		c.Status = models.StatusPending
		return boom
	})
	assert.True(t, errors.Is(err, boom))
	got, err = r.GetCommand(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)

	_, err = r.UpdateCommand(ctx, "missing", func(*models.Command) error { return nil })
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func complete(t *testing.T, r Repo, id string, status models.CommandStatus, at time.Time) {
	t.Helper()
	_, err := r.UpdateCommand(context.Background(), id, func(c *models.Command) error {
		c.Status = status
		c.CompletedAt = &at
		return nil
	})
	require.NoError(t, err)
}

func testCompletedOrder(t *testing.T, r Repo) {
	ctx := context.Background()
	for _, id := range []string{"first", "second", "third", "open"} {
		require.NoError(t, r.InsertCommand(ctx, newCommand(id, models.PriorityMedium, base)))
	}
	complete(t, r, "first", models.StatusCompleted, base.Add(1*time.Minute))
	complete(t, r, "second", models.StatusFailed, base.Add(3*time.Minute))
	complete(t, r, "third", models.StatusCompleted, base.Add(2*time.Minute))

	cmds, err := r.ListCommands(ctx, store.CommandFilter{
		Statuses: []models.CommandStatus{models.StatusCompleted, models.StatusFailed},
		Order:    store.OrderCompletedDesc,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "third", "first"}, ids(cmds))
}

func testClaimedBefore(t *testing.T, r Repo) {
	ctx := context.Background()
	require.NoError(t, r.InsertCommand(ctx, newCommand("old", models.PriorityHigh, base)))
	_, err := r.ClaimCommands(ctx, store.ClaimRequest{ClientID: "c1", Limit: 1, Now: base})
	require.NoError(t, err)
	require.NoError(t, r.InsertCommand(ctx, newCommand("new", models.PriorityHigh, base)))
	_, err = r.ClaimCommands(ctx, store.ClaimRequest{ClientID: "c1", Limit: 1, Now: base.Add(time.Hour)})
	require.NoError(t, err)

	stale, err := r.ListCommands(ctx, store.CommandFilter{
		Statuses:      []models.CommandStatus{models.StatusProcessing},
		ClaimedBefore: base.Add(30 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids(stale))
}

func testDeleteTerminal(t *testing.T, r Repo) {
	ctx := context.Background()
	old := base.Add(-8 * 24 * time.Hour)
	require.NoError(t, r.InsertCommand(ctx, newCommand("old-done", models.PriorityMedium, old)))
	require.NoError(t, r.InsertCommand(ctx, newCommand("old-failed", models.PriorityMedium, old)))
	require.NoError(t, r.InsertCommand(ctx, newCommand("old-pending", models.PriorityMedium, old)))
	require.NoError(t, r.InsertCommand(ctx, newCommand("old-processing", models.PriorityMedium, old)))
	require.NoError(t, r.InsertCommand(ctx, newCommand("fresh-done", models.PriorityMedium, base)))
	complete(t, r, "old-done", models.StatusCompleted, old)
	complete(t, r, "old-failed", models.StatusFailed, old)
	complete(t, r, "fresh-done", models.StatusCompleted, base)
	_, err := r.UpdateCommand(ctx, "old-processing", func(c *models.Command) error {
		c.Status = models.StatusProcessing
		return nil
	})
	require.NoError(t, err)

	n, err := r.DeleteTerminalBefore(ctx, base.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := r.ListCommands(ctx, store.CommandFilter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"old-pending", "old-processing", "fresh-done"}, ids(left))

	_, err = r.GetCommand(ctx, "old-done")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testCounts(t *testing.T, r Repo) {
	ctx := context.Background()
	for _, id := range []string{"p1", "p2", "x", "y"} {
		require.NoError(t, r.InsertCommand(ctx, newCommand(id, models.PriorityMedium, base)))
	}
	complete(t, r, "x", models.StatusCompleted, base)
	complete(t, r, "y", models.StatusFailed, base)

	counts, err := r.CountCommands(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.CommandCounts{Total: 4, Pending: 2, Completed: 1, Failed: 1}, counts)
}

func testClients(t *testing.T, r Repo) {
	ctx := context.Background()
	a := &models.Client{ID: "a", Name: "alpha", WebhookURL: "http://hook", Capabilities: []string{"file_create"},
		Status: models.ClientActive, RegisteredAt: base, LastSeen: base}
	b := &models.Client{ID: "b", Name: "beta", Status: models.ClientActive, RegisteredAt: base, LastSeen: base.Add(10 * time.Minute)}
	require.NoError(t, r.InsertClient(ctx, a))
	require.NoError(t, r.InsertClient(ctx, b))

	got, err := r.GetClient(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "http://hook", got.WebhookURL)
	assert.Equal(t, []string{"file_create"}, got.Capabilities)

	list, err := r.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	n, err := r.MarkInactiveBefore(ctx, base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = r.GetClient(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.ClientInactive, got.Status)

	counts, err := r.CountClients(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ClientCounts{Total: 2, Active: 1, Inactive: 1}, counts)

	touched, err := r.TouchClient(ctx, "a", base.Add(20*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.ClientActive, touched.Status)
	assert.True(t, touched.LastSeen.Equal(base.Add(20*time.Minute)))

	_, err = r.TouchClient(ctx, "missing", base)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, err = r.GetClient(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
