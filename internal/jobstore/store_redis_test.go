package jobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"trailpulse/internal/types"
)

// testStore wires a Store onto the in-memory Redis double with a mutable
// clock. Tests advance the clock through the returned pointer.
func testStore(t *testing.T) (*Store, *memRedis, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	mr := newMemRedis()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewStore(mr, logger, WithClock(func() time.Time { return now }))
	return s, mr, &now
}

// --- Claim lifecycle Tests ---

func TestClaim_Lifecycle(t *testing.T) {
	s, _, _ := testStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, "digest", "DailyDigest", map[string]string{"trigger": "manual"}, Options{MaxAttempts: 3, Backoff: 5 * time.Second})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claimed, err := s.Claim(ctx, "digest", 0)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("Claim: got %+v, want job %s", claimed, job.ID)
	}
	if claimed.Status != StatusActive {
		t.Errorf("Status: got %s, want %s", claimed.Status, StatusActive)
	}
	if claimed.AttemptsMade != 1 {
		t.Errorf("AttemptsMade: got %d, want 1", claimed.AttemptsMade)
	}

	// The claim is exclusive: a second consumer finds nothing.
	if again, _ := s.Claim(ctx, "digest", 0); again != nil {
		t.Fatalf("second Claim: got %+v, want nil", again)
	}

	if err := s.Complete(ctx, "digest", job.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	counts, err := s.Counts(ctx, "digest")
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[StatusCompleted] != 1 || counts[StatusActive] != 0 {
		t.Errorf("counts after complete: %+v", counts)
	}
}

func TestEnqueue_DelayedUntilDue(t *testing.T) {
	s, _, clock := testStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, "digest", "DailyDigest", nil, Options{Delay: 5 * time.Minute})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.Status != StatusDelayed {
		t.Fatalf("Status: got %s, want %s", job.Status, StatusDelayed)
	}

	if early, _ := s.Claim(ctx, "digest", 0); early != nil {
		t.Fatalf("Claim before due: got %+v, want nil", early)
	}

	*clock = clock.Add(5 * time.Minute)
	claimed, err := s.Claim(ctx, "digest", 0)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("Claim after due: got %+v, want job %s", claimed, job.ID)
	}
}

// --- Retry scheduling Tests ---

func TestFail_RetrySchedule(t *testing.T) {
	s, mr, clock := testStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, "weatherSync", "WeatherSync", nil, Options{MaxAttempts: 3, Backoff: 3 * time.Second})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	delayedKey := queueKey("weatherSync", "delayed")

	// Attempts 1 and 2 park the job with exponential backoff: 3s then 6s.
	for i, wantDelay := range []time.Duration{3 * time.Second, 6 * time.Second} {
		attempt := i + 1
		claimed, err := s.Claim(ctx, "weatherSync", 0)
		if err != nil || claimed == nil {
			t.Fatalf("Claim attempt %d: job %+v, err %v", attempt, claimed, err)
		}
		if claimed.AttemptsMade != attempt {
			t.Fatalf("AttemptsMade: got %d, want %d", claimed.AttemptsMade, attempt)
		}
		if err := s.Fail(ctx, "weatherSync", job.ID, errors.New("provider down")); err != nil {
			t.Fatalf("Fail attempt %d: %v", attempt, err)
		}

		got, _ := s.GetJob(ctx, "weatherSync", job.ID)
		if got.Status != StatusDelayed {
			t.Errorf("Status after attempt %d: got %s, want %s", attempt, got.Status, StatusDelayed)
		}
		if got.Error != "provider down" {
			t.Errorf("Error: got %q", got.Error)
		}
		wantScore := float64(clock.Add(wantDelay).UnixMilli())
		if score := mr.zsets[delayedKey][job.ID]; score != wantScore {
			t.Errorf("retry score after attempt %d: got %f, want %f", attempt, score, wantScore)
		}

		// Not claimable until the backoff elapses.
		if early, _ := s.Claim(ctx, "weatherSync", 0); early != nil {
			t.Fatalf("Claim before backoff elapsed: got %+v", early)
		}
		*clock = clock.Add(wantDelay)
	}

	// The final attempt exhausts the budget and lands in the failed records.
	claimed, _ := s.Claim(ctx, "weatherSync", 0)
	if claimed == nil || claimed.AttemptsMade != 3 {
		t.Fatalf("final Claim: got %+v", claimed)
	}
	if err := s.Fail(ctx, "weatherSync", job.ID, errors.New("provider down")); err != nil {
		t.Fatalf("final Fail: %v", err)
	}
	got, _ := s.GetJob(ctx, "weatherSync", job.ID)
	if got.Status != StatusFailed {
		t.Errorf("Status after exhaustion: got %s, want %s", got.Status, StatusFailed)
	}
	counts, _ := s.Counts(ctx, "weatherSync")
	if counts[StatusFailed] != 1 || counts[StatusDelayed] != 0 {
		t.Errorf("counts after exhaustion: %+v", counts)
	}
}

// --- RetryJob Tests ---

func TestRetryJob_ResetAndRequeue(t *testing.T) {
	s, mr, _ := testStore(t)
	ctx := context.Background()

	job, _ := s.Enqueue(ctx, "digest", "DailyDigest", nil, Options{MaxAttempts: 1})
	if _, err := s.Claim(ctx, "digest", 0); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := s.Fail(ctx, "digest", job.ID, errors.New("boom")); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	if err := s.RetryJob(ctx, "digest", job.ID); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	got, _ := s.GetJob(ctx, "digest", job.ID)
	if got.Status != StatusWaiting {
		t.Errorf("Status: got %s, want %s", got.Status, StatusWaiting)
	}
	if got.Error != "" {
		t.Errorf("Error should be cleared, got %q", got.Error)
	}
	if failed := mr.lists[queueKey("digest", "failed")]; len(failed) != 0 {
		t.Errorf("failed records should be empty, got %v", failed)
	}

	claimed, err := s.Claim(ctx, "digest", 0)
	if err != nil || claimed == nil || claimed.ID != job.ID {
		t.Fatalf("Claim after retry: job %+v, err %v", claimed, err)
	}
}

func TestRetryJob_NotRetryableWhileActive(t *testing.T) {
	s, _, _ := testStore(t)
	ctx := context.Background()

	job, _ := s.Enqueue(ctx, "digest", "DailyDigest", nil, Options{})
	if _, err := s.Claim(ctx, "digest", 0); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	err := s.RetryJob(ctx, "digest", job.ID)
	if types.CodeOf(err) != types.ErrCodeValidationJobNotRetryable {
		t.Fatalf("code: got %s, want %s", types.CodeOf(err), types.ErrCodeValidationJobNotRetryable)
	}
	got, _ := s.GetJob(ctx, "digest", job.ID)
	if got.Status != StatusActive {
		t.Errorf("Status should be untouched, got %s", got.Status)
	}
}

func TestRetryJob_UnknownJob(t *testing.T) {
	s, mr, _ := testStore(t)

	err := s.RetryJob(context.Background(), "digest", "ghost")
	if types.CodeOf(err) != types.ErrCodeNotFoundJob {
		t.Fatalf("code: got %s, want %s", types.CodeOf(err), types.ErrCodeNotFoundJob)
	}
	if wait := mr.lists[queueKey("digest", "wait")]; len(wait) != 0 {
		t.Errorf("wait list should be untouched, got %v", wait)
	}
}

// --- Retention Tests ---

func TestComplete_TrimsTerminalRecords(t *testing.T) {
	s, mr, _ := testStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("job-%d", i)
		if _, err := s.Enqueue(ctx, "digest", "DailyDigest", nil, Options{JobID: id, RemoveOnComplete: 2}); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
		if _, err := s.Claim(ctx, "digest", 0); err != nil {
			t.Fatalf("Claim %s: %v", id, err)
		}
		if err := s.Complete(ctx, "digest", id); err != nil {
			t.Fatalf("Complete %s: %v", id, err)
		}
	}

	completed := mr.lists[queueKey("digest", "completed")]
	if len(completed) != 2 || completed[0] != "job-3" || completed[1] != "job-2" {
		t.Fatalf("completed records: got %v, want [job-3 job-2]", completed)
	}

	// The evicted record's hash goes with it.
	if got, _ := s.GetJob(ctx, "digest", "job-1"); got != nil {
		t.Errorf("evicted job should be gone, got %+v", got)
	}
	if got, _ := s.GetJob(ctx, "digest", "job-2"); got == nil || got.Status != StatusCompleted {
		t.Errorf("retained job: got %+v", got)
	}
}

// --- Repeatable registration Tests ---

func TestRegisterRepeatable_SecondRegistrationKeepsTimer(t *testing.T) {
	s, mr, clock := testStore(t)
	ctx := context.Background()
	sched := Schedule{Kind: ScheduleInterval, Every: 6 * time.Hour}
	repeatZSet := queueKey("weatherSync", "repeat")

	if err := s.RegisterRepeatable(ctx, "weatherSync", "WeatherSync", nil, Options{MaxAttempts: 3}, sched, "weatherSync-repeat"); err != nil {
		t.Fatalf("RegisterRepeatable: %v", err)
	}
	firstFire := float64(clock.Add(6 * time.Hour).UnixMilli())
	if score := mr.zsets[repeatZSet]["weatherSync-repeat"]; score != firstFire {
		t.Fatalf("first fire: got %f, want %f", score, firstFire)
	}

	// Re-registering the same id and schedule must not move the timer.
	*clock = clock.Add(time.Hour)
	if err := s.RegisterRepeatable(ctx, "weatherSync", "WeatherSync", nil, Options{MaxAttempts: 3}, sched, "weatherSync-repeat"); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if score := mr.zsets[repeatZSet]["weatherSync-repeat"]; score != firstFire {
		t.Errorf("timer moved on identical re-registration: got %f, want %f", score, firstFire)
	}
	if n := len(mr.zsets[repeatZSet]); n != 1 {
		t.Errorf("repeat schedules: got %d, want exactly 1", n)
	}

	// A changed schedule replans from the current instant.
	changed := Schedule{Kind: ScheduleInterval, Every: 2 * time.Hour}
	if err := s.RegisterRepeatable(ctx, "weatherSync", "WeatherSync", nil, Options{MaxAttempts: 3}, changed, "weatherSync-repeat"); err != nil {
		t.Fatalf("register changed schedule: %v", err)
	}
	replanned := float64(clock.Add(2 * time.Hour).UnixMilli())
	if score := mr.zsets[repeatZSet]["weatherSync-repeat"]; score != replanned {
		t.Errorf("replanned fire: got %f, want %f", score, replanned)
	}
	if n := len(mr.zsets[repeatZSet]); n != 1 {
		t.Errorf("repeat schedules after replan: got %d, want exactly 1", n)
	}
}

// --- Repeat promotion Tests ---

func TestClaim_PromotesDueRepeatOccurrence(t *testing.T) {
	s, mr, clock := testStore(t)
	ctx := context.Background()

	opts := Options{MaxAttempts: 3, Backoff: 3 * time.Second}
	sched := Schedule{Kind: ScheduleInterval, Every: 6 * time.Hour}
	if err := s.RegisterRepeatable(ctx, "weatherSync", "WeatherSync", map[string]string{"trigger": "repeat"}, opts, sched, "weatherSync-repeat"); err != nil {
		t.Fatalf("RegisterRepeatable: %v", err)
	}

	*clock = clock.Add(6 * time.Hour)
	fire := *clock

	claimed, err := s.Claim(ctx, "weatherSync", 0)
	if err != nil || claimed == nil {
		t.Fatalf("Claim: job %+v, err %v", claimed, err)
	}
	wantID := fmt.Sprintf("weatherSync-repeat:%d", fire.UnixMilli())
	if claimed.ID != wantID {
		t.Errorf("occurrence id: got %s, want %s", claimed.ID, wantID)
	}
	if claimed.Name != "WeatherSync" {
		t.Errorf("Name: got %s", claimed.Name)
	}
	// Occurrences inherit the registered retry policy.
	if claimed.MaxAttempts != 3 || claimed.Backoff != 3*time.Second {
		t.Errorf("retry policy: got max %d backoff %s", claimed.MaxAttempts, claimed.Backoff)
	}

	// The repeat is replanned one period out, so the next claim is empty.
	nextFire := float64(fire.Add(6 * time.Hour).UnixMilli())
	if score := mr.zsets[queueKey("weatherSync", "repeat")]["weatherSync-repeat"]; score != nextFire {
		t.Errorf("replanned fire: got %f, want %f", score, nextFire)
	}
	if again, _ := s.Claim(ctx, "weatherSync", 0); again != nil {
		t.Fatalf("second Claim: got %+v, want nil", again)
	}
}

func TestClaim_DuplicateRepeatFireSingleWinner(t *testing.T) {
	s, mr, clock := testStore(t)
	ctx := context.Background()

	sched := Schedule{Kind: ScheduleInterval, Every: 6 * time.Hour}
	if err := s.RegisterRepeatable(ctx, "weatherSync", "WeatherSync", nil, Options{MaxAttempts: 3}, sched, "weatherSync-repeat"); err != nil {
		t.Fatalf("RegisterRepeatable: %v", err)
	}

	*clock = clock.Add(6 * time.Hour)
	fire := *clock

	first, err := s.Claim(ctx, "weatherSync", 0)
	if err != nil || first == nil {
		t.Fatalf("Claim: job %+v, err %v", first, err)
	}
	if _, ok := mr.values[queueKey("weatherSync", "occ:"+first.ID)]; !ok {
		t.Fatal("promotion should mark the occurrence")
	}

	// A second worker read the same due fire before the replan landed.
	// Recreate its view: the fire is due again and the occurrence hash is
	// not yet visible to it.
	mr.zsets[queueKey("weatherSync", "repeat")]["weatherSync-repeat"] = float64(fire.UnixMilli())
	delete(mr.hashes, jobKey("weatherSync", first.ID))
	mr.lists[queueKey("weatherSync", "active")] = nil

	second, err := s.Claim(ctx, "weatherSync", 0)
	if err != nil {
		t.Fatalf("second Claim: %v", err)
	}
	if second != nil {
		t.Fatalf("same fire promoted twice: got %+v", second)
	}
	if wait := mr.lists[queueKey("weatherSync", "wait")]; len(wait) != 0 {
		t.Fatalf("duplicate occurrence pushed to wait: %v", wait)
	}
}
