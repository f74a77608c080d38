package services

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/akmatori/escalator/internal/cache"
	"github.com/akmatori/escalator/internal/config"
	"github.com/akmatori/escalator/internal/database"
)

const overrideCachePrefix = "overrides:"

// Person is whoever holds a role at a point in time
type Person struct {
	Name    string `json:"name"`
	Role    string `json:"role"`
	Email   string `json:"email,omitempty"`
	SlackID string `json:"slack_id,omitempty"`
	Phone   string `json:"phone,omitempty"`
	// Source is "override" or "schedule:<name>"
	Source string `json:"source"`
}

// OnCallResolver answers who holds a role at a given instant
type OnCallResolver struct {
	db        *gorm.DB
	policies  *config.PolicyStore
	overrides *cache.Cache[[]database.OnCallOverride]
	now       func() time.Time
}

// NewOnCallResolver creates a resolver. Database overrides are cached for
// at most ttl and the cache is dropped whenever the policy changes.
func NewOnCallResolver(db *gorm.DB, policies *config.PolicyStore, ttl time.Duration) *OnCallResolver {
	if ttl <= 0 || ttl > database.MaxOnCallCacheTTLSeconds*time.Second {
		ttl = database.MaxOnCallCacheTTLSeconds * time.Second
	}
	r := &OnCallResolver{
		db:        db,
		policies:  policies,
		overrides: cache.New[[]database.OnCallOverride](ttl, time.Minute),
		now:       time.Now,
	}
	policies.OnChange(func(*config.Policy) { r.Invalidate() })
	return r
}

// Stop releases the cache's cleanup goroutine
func (r *OnCallResolver) Stop() {
	r.overrides.Stop()
}

// SetCacheTTL changes how long override lookups are reused, capped at one minute
func (r *OnCallResolver) SetCacheTTL(ttl time.Duration) {
	if ttl <= 0 || ttl > database.MaxOnCallCacheTTLSeconds*time.Second {
		ttl = database.MaxOnCallCacheTTLSeconds * time.Second
	}
	r.overrides.SetTTL(ttl)
}

// Invalidate drops cached override data
func (r *OnCallResolver) Invalidate() {
	r.overrides.DeleteByPrefix(overrideCachePrefix)
}

// WhoIsOnCall resolves role at instant at. Overrides beat schedules; among
// overlapping overrides the one that started last wins.
func (r *OnCallResolver) WhoIsOnCall(role string, at time.Time) (*Person, error) {
	policy := r.policies.Get()

	dbOverrides, err := r.loadOverrides(role)
	if err != nil {
		return nil, err
	}
	if o := latestCovering(dbOverrides, at); o != nil {
		return r.person(policy, o.Person, role, "override"), nil
	}

	var fileOverrides []database.OnCallOverride
	for _, o := range policy.Overrides {
		if o.Role == role {
			fileOverrides = append(fileOverrides, database.OnCallOverride{Role: o.Role, Person: o.Person, StartsAt: o.Start, EndsAt: o.End})
		}
	}
	if o := latestCovering(fileOverrides, at); o != nil {
		return r.person(policy, o.Person, role, "override"), nil
	}

	for _, s := range policy.Schedules {
		people, ok := s.Roles[role]
		if !ok || len(people) == 0 {
			continue
		}
		slot, ok := rotationSlot(s, at)
		if !ok {
			continue
		}
		return r.person(policy, people[slot%len(people)], role, "schedule:"+s.Name), nil
	}

	return nil, fmt.Errorf("%w: role %s at %s", ErrNoCoverage, role, at.UTC().Format(time.RFC3339))
}

// rotationSlot returns the hand-off slot covering at. Days are counted on
// the schedule's local calendar so DST shifts never move the hand-off hour.
func rotationSlot(s *config.Schedule, at time.Time) (int, bool) {
	loc := s.Location()
	local := at.In(loc)
	start := s.StartLocal()
	if local.Before(start) {
		return 0, false
	}

	days := civilDays(local) - civilDays(start)
	if timeOfDay(local) < timeOfDay(start) {
		days--
	}
	if days < 0 {
		return 0, false
	}
	return days / s.Rotation.Days(), true
}

// civilDays numbers the calendar date of t, ignoring its zone offset
func civilDays(t time.Time) int {
	y, m, d := t.Date()
	return int(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400)
}

func timeOfDay(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second + time.Duration(t.Nanosecond())
}

func latestCovering(overrides []database.OnCallOverride, at time.Time) *database.OnCallOverride {
	var best *database.OnCallOverride
	for i := range overrides {
		o := &overrides[i]
		if !o.Covers(at) {
			continue
		}
		if best == nil || o.StartsAt.After(best.StartsAt) {
			best = o
		}
	}
	return best
}

func (r *OnCallResolver) person(policy *config.Policy, name, role, source string) *Person {
	c := policy.Contact(name)
	return &Person{
		Name:    name,
		Role:    role,
		Email:   c.Email,
		SlackID: c.SlackID,
		Phone:   c.Phone,
		Source:  source,
	}
}

func (r *OnCallResolver) loadOverrides(role string) ([]database.OnCallOverride, error) {
	return r.overrides.GetOrLoad(overrideCachePrefix+role, func() ([]database.OnCallOverride, error) {
		var rows []database.OnCallOverride
		if err := r.db.Where("role = ?", role).Order("starts_at DESC").Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to load overrides for %s: %w", role, err)
		}
		return rows, nil
	})
}

// OverrideInput is a request to put someone on call for a window
type OverrideInput struct {
	Role      string
	Person    string
	StartsAt  time.Time
	EndsAt    time.Time
	Reason    string
	CreatedBy string
}

// CreateOverride stores an ad-hoc override and invalidates cached lookups
func (r *OnCallResolver) CreateOverride(in OverrideInput) (*database.OnCallOverride, error) {
	role := strings.TrimSpace(in.Role)
	person := strings.TrimSpace(in.Person)
	if role == "" || person == "" {
		return nil, fmt.Errorf("%w: role and person are required", ErrInvalidOverride)
	}
	if !in.EndsAt.After(in.StartsAt) {
		return nil, fmt.Errorf("%w: must end after it starts", ErrInvalidOverride)
	}
	o := &database.OnCallOverride{
		ID:        uuid.New().String(),
		Role:      role,
		Person:    person,
		StartsAt:  in.StartsAt,
		EndsAt:    in.EndsAt,
		Reason:    in.Reason,
		CreatedBy: in.CreatedBy,
	}
	if err := r.db.Create(o).Error; err != nil {
		return nil, fmt.Errorf("failed to create override: %w", err)
	}
	r.overrides.Delete(overrideCachePrefix + role)
	log.Printf("OnCall: override %s puts %s on %s from %s to %s", o.ID, person, role,
		o.StartsAt.Format(time.RFC3339), o.EndsAt.Format(time.RFC3339))
	return o, nil
}

// DeleteOverride removes an ad-hoc override
func (r *OnCallResolver) DeleteOverride(id string) error {
	var o database.OnCallOverride
	if err := r.db.Where("id = ?", id).First(&o).Error; err != nil {
		return err
	}
	if err := r.db.Delete(&o).Error; err != nil {
		return fmt.Errorf("failed to delete override: %w", err)
	}
	r.overrides.Delete(overrideCachePrefix + o.Role)
	return nil
}

// ListOverrides returns ad-hoc overrides that have not ended yet, soonest first
func (r *OnCallResolver) ListOverrides(includeExpired bool) ([]database.OnCallOverride, error) {
	var rows []database.OnCallOverride
	query := r.db.Model(&database.OnCallOverride{})
	if !includeExpired {
		query = query.Where("ends_at > ?", r.now())
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].StartsAt.Before(rows[j].StartsAt) })
	return rows, nil
}
