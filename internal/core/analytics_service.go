package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"qachat.io/qa-chatbot-backend/internal/store"
)

const dayLayout = "2006-01-02"

type Overview struct {
	TotalUsers         int64 `json:"totalUsers"`
	TotalConversations int64 `json:"totalConversations"`
	TotalMessages      int64 `json:"totalMessages"`
	NewUsersThisWeek   int64 `json:"newUsersThisWeek"`
	DailyActiveUsers   int64 `json:"dailyActiveUsers"`
}

type TrialUsageStat struct {
	PromptsUsed int   `json:"_id"`
	Count       int64 `json:"count"`
}

type DailyCount struct {
	Day   string `json:"_id"`
	Count int64  `json:"count"`
}

type DailyUsage struct {
	Day           string `json:"_id"`
	Conversations int64  `json:"conversations"`
	Messages      int64  `json:"messages"`
}

type Analytics struct {
	Overview           Overview         `json:"overview"`
	TrialUsageStats    []TrialUsageStat `json:"trialUsageStats"`
	RegistrationTrends []DailyCount     `json:"registrationTrends"`
	UsagePatterns      []DailyUsage     `json:"usagePatterns"`
}

// AnalyticsService computes the dashboard report on every call. Day buckets
// and "today" are evaluated in loc.
type AnalyticsService struct {
	store  store.Store
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger
}

func NewAnalyticsService(s store.Store, loc *time.Location, logger *slog.Logger) *AnalyticsService {
	if loc == nil {
		loc = time.Local
	}
	return &AnalyticsService{store: s, loc: loc, now: time.Now, logger: logger.With("component", "analytics")}
}

func (s *AnalyticsService) Compute(ctx context.Context) (*Analytics, error) {
	now := s.now().In(s.loc)
	weekAgo := now.AddDate(0, 0, -7)
	thirtyDaysAgo := now.AddDate(0, 0, -30)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)

	var (
		report Analytics
		err    error
	)
	if report.Overview.TotalUsers, err = s.store.CountUsers(ctx); err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}
	if report.Overview.TotalConversations, err = s.store.CountConversations(ctx, ""); err != nil {
		return nil, fmt.Errorf("failed to count conversations: %w", err)
	}
	if report.Overview.TotalMessages, err = s.store.CountMessages(ctx, ""); err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	if report.Overview.NewUsersThisWeek, err = s.store.CountUsersCreatedSince(ctx, weekAgo); err != nil {
		return nil, fmt.Errorf("failed to count new users: %w", err)
	}
	if report.Overview.DailyActiveUsers, err = s.store.DistinctActiveUsersSince(ctx, midnight); err != nil {
		return nil, fmt.Errorf("failed to count active users: %w", err)
	}

	buckets, err := s.store.TrialUsageBuckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load trial usage: %w", err)
	}
	report.TrialUsageStats = make([]TrialUsageStat, 0, len(buckets))
	for _, b := range buckets {
		report.TrialUsageStats = append(report.TrialUsageStats, TrialUsageStat{PromptsUsed: b.PromptsUsed, Count: b.Count})
	}
	sort.Slice(report.TrialUsageStats, func(i, j int) bool {
		return report.TrialUsageStats[i].PromptsUsed < report.TrialUsageStats[j].PromptsUsed
	})

	created, err := s.store.UserCreationTimesSince(ctx, thirtyDaysAgo)
	if err != nil {
		return nil, fmt.Errorf("failed to load registrations: %w", err)
	}
	report.RegistrationTrends = s.registrationTrends(created)

	activity, err := s.store.ConversationActivitySince(ctx, thirtyDaysAgo)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation activity: %w", err)
	}
	report.UsagePatterns = s.usagePatterns(activity)

	return &report, nil
}

func (s *AnalyticsService) registrationTrends(created []time.Time) []DailyCount {
	counts := make(map[string]int64)
	for _, t := range created {
		counts[t.In(s.loc).Format(dayLayout)]++
	}
	out := make([]DailyCount, 0, len(counts))
	for day, n := range counts {
		out = append(out, DailyCount{Day: day, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out
}

func (s *AnalyticsService) usagePatterns(activity []store.ConversationActivity) []DailyUsage {
	byDay := make(map[string]*DailyUsage)
	for _, a := range activity {
		day := a.CreatedAt.In(s.loc).Format(dayLayout)
		u, ok := byDay[day]
		if !ok {
			u = &DailyUsage{Day: day}
			byDay[day] = u
		}
		u.Conversations++
		u.Messages += a.MessageCount
	}
	out := make([]DailyUsage, 0, len(byDay))
	for _, u := range byDay {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out
}
