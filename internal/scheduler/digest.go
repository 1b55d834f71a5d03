package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"trailpulse/internal/jobstore"
	"trailpulse/internal/types"
)

// digestPickCount is the number of recommendations per notification.
const digestPickCount = 3

// Scoring weights: distance deviation dominates, difficulty deviation
// refines. The weighting is fixed and deterministic, not learned.
const (
	distanceWeight   = 0.6
	difficultyWeight = 0.4
)

// digestTitle is the notification title of every digest delivery.
const digestTitle = "Your daily trail digest"

// Fixed header and trailer lines of the notification body.
const (
	digestHeader  = "Fresh trail picks matched to your hiking profile:"
	digestTrailer = "Lace up and enjoy the outdoors!"
)

// UserLister enumerates the registered users the digest walks.
type UserLister interface {
	// ListUsers returns every registered user in a stable order.
	ListUsers(ctx context.Context) ([]types.User, error)
}

// DigestTrailDB defines the trail reads the digest handler needs.
type DigestTrailDB interface {
	// ListCatalog returns the full trail catalog in enumeration order; the
	// scorer's tie-break depends on that ordering being stable.
	ListCatalog(ctx context.Context) ([]types.Trail, error)
	// ListSavedTrails returns the trails the user has saved.
	ListSavedTrails(ctx context.Context, userID string) ([]types.Trail, error)
	// ListPlannedTrails returns the trails referenced by the user's plans.
	ListPlannedTrails(ctx context.Context, userID string) ([]types.Trail, error)
}

// NotificationWriter persists one digest notification row.
type NotificationWriter interface {
	Create(ctx context.Context, n *types.Notification) error
}

// DigestConfig wires the digest handler's dependencies.
type DigestConfig struct {
	Users         UserLister
	Trails        DigestTrailDB
	Notifications NotificationWriter
	Logger        *slog.Logger
}

// DigestHandler computes a personalized trail shortlist for every user and
// persists it as a notification. Users without any saved or planned trail
// are skipped, as are users who already saved the entire catalog.
type DigestHandler struct {
	users         UserLister
	trails        DigestTrailDB
	notifications NotificationWriter
	logger        *slog.Logger
}

// NewDigestHandler creates the digest handler.
func NewDigestHandler(cfg DigestConfig) *DigestHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &DigestHandler{
		users:         cfg.Users,
		trails:        cfg.Trails,
		notifications: cfg.Notifications,
		logger:        cfg.Logger,
	}
}

// Name returns the ledger name of this handler.
func (h *DigestHandler) Name() string {
	return JobNameDailyDigest
}

// Run executes one digest pass over all users. Any database error aborts the
// run and propagates so the Job Store's retry policy can act; a user that
// receives a notification before a later failure keeps it, which at worst
// duplicates picks across nearby runs.
func (h *DigestHandler) Run(ctx context.Context, job *jobstore.Job) error {
	users, err := h.users.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("listing users: %w", err)
	}

	catalog, err := h.trails.ListCatalog(ctx)
	if err != nil {
		return fmt.Errorf("listing trail catalog: %w", err)
	}

	notified := 0
	for _, user := range users {
		sent, err := h.digestUser(ctx, user, catalog)
		if err != nil {
			return fmt.Errorf("digest for user %s: %w", user.ID, err)
		}
		if sent {
			notified++
		}
	}

	h.logger.InfoContext(ctx, "digest run completed",
		"job_id", job.ID,
		"users", len(users),
		"notified", notified,
	)
	return nil
}

// digestUser scores the catalog against one user's profile and writes the
// notification. It returns false when the user is skipped.
func (h *DigestHandler) digestUser(ctx context.Context, user types.User, catalog []types.Trail) (bool, error) {
	saved, err := h.trails.ListSavedTrails(ctx, user.ID)
	if err != nil {
		return false, fmt.Errorf("listing saved trails: %w", err)
	}
	planned, err := h.trails.ListPlannedTrails(ctx, user.ID)
	if err != nil {
		return false, fmt.Errorf("listing planned trails: %w", err)
	}

	profile, ok := buildProfile(saved, planned)
	if !ok {
		return false, nil
	}

	savedIDs := make(map[string]struct{}, len(saved))
	for _, t := range saved {
		savedIDs[t.ID] = struct{}{}
	}

	picks := rankCandidates(catalog, savedIDs, profile)
	if len(picks) == 0 {
		return false, nil
	}
	if len(picks) > digestPickCount {
		picks = picks[:digestPickCount]
	}

	n := &types.Notification{
		UserID: user.ID,
		Title:  digestTitle,
		Body:   formatDigestBody(picks),
	}
	if err := h.notifications.Create(ctx, n); err != nil {
		return false, fmt.Errorf("writing notification: %w", err)
	}
	return true, nil
}

// trailProfile is the user's taste summary: mean distance and mean ordinal
// difficulty over the deduplicated union of saved and planned trails.
type trailProfile struct {
	meanDistanceKm float64
	meanDifficulty float64
}

// buildProfile computes the profile over saved ∪ planned. The second return
// is false when the union is empty, meaning the user must be skipped.
func buildProfile(saved, planned []types.Trail) (trailProfile, bool) {
	seen := make(map[string]struct{}, len(saved)+len(planned))
	var distanceSum, difficultySum float64
	count := 0

	for _, t := range append(append([]types.Trail{}, saved...), planned...) {
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		distanceSum += t.DistanceKm
		difficultySum += t.Difficulty.Score()
		count++
	}

	if count == 0 {
		return trailProfile{}, false
	}
	return trailProfile{
		meanDistanceKm: distanceSum / float64(count),
		meanDifficulty: difficultySum / float64(count),
	}, true
}

// scoredTrail pairs a candidate with its profile-deviation score.
type scoredTrail struct {
	trail types.Trail
	score float64
}

// candidateScore measures how far a candidate sits from the user's profile;
// lower is better. Distance deviation is normalized by the profile mean
// (floored at 1 km so short profiles do not explode the ratio), difficulty
// deviation by the width of the ordinal scale.
func candidateScore(t types.Trail, p trailProfile) float64 {
	distanceDev := math.Abs(t.DistanceKm-p.meanDistanceKm) / math.Max(1, p.meanDistanceKm)
	difficultyDev := math.Abs(t.Difficulty.Score()-p.meanDifficulty) / 3
	return distanceWeight*distanceDev + difficultyWeight*difficultyDev
}

// rankCandidates scores every catalog trail the user has not saved and
// returns them sorted by score ascending. The sort is stable, so ties keep
// the catalog's enumeration order and repeated runs pick identically.
func rankCandidates(catalog []types.Trail, savedIDs map[string]struct{}, p trailProfile) []scoredTrail {
	scored := make([]scoredTrail, 0, len(catalog))
	for _, t := range catalog {
		if _, isSaved := savedIDs[t.ID]; isSaved {
			continue
		}
		scored = append(scored, scoredTrail{trail: t, score: candidateScore(t, p)})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score < scored[j].score
	})
	return scored
}

// formatDigestBody renders the fixed-format multi-line notification body.
func formatDigestBody(picks []scoredTrail) string {
	var b strings.Builder
	b.WriteString(digestHeader)
	b.WriteString("\n")
	for _, p := range picks {
		t := p.trail
		b.WriteString(fmt.Sprintf("• %s — %s — %s — %s km\n",
			t.Name,
			t.Region,
			string(t.Difficulty),
			strconv.FormatFloat(t.DistanceKm, 'f', -1, 64),
		))
	}
	b.WriteString(digestTrailer)
	return b.String()
}
