package celebration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var now = time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)

func TestConstructorsSetDefaults(t *testing.T) {
	c := AchievementEarned("u1", "first_lesson", "First Lesson", 50, now)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, TypeAchievementEarned, c.Type)
	assert.Equal(t, PriorityHigh, c.Priority)
	assert.Equal(t, "achievement:first_lesson", c.SourceKey)
	assert.Equal(t, now.Add(7*24*time.Hour), c.ExpiresAt)
	assert.False(t, c.IsShown)
	assert.Contains(t, c.Title, "First Lesson")
}

func TestSourceKeysAreDeterministic(t *testing.T) {
	later := now.Add(time.Hour)

	assert.Equal(t, LevelUp("u1", 3, now).SourceKey, LevelUp("u1", 3, later).SourceKey)
	assert.NotEqual(t, LevelUp("u1", 3, now).SourceKey, LevelUp("u1", 4, now).SourceKey)
	assert.Equal(t, "goal:g1:milestone:50", MilestoneReached("u1", "g1", 50, 5, now).SourceKey)
	assert.Equal(t, "goal:g1", GoalCompleted("u1", "g1", "", 0, now).SourceKey)

	streakStart := now.AddDate(0, 0, -6)
	assert.Equal(t, "streak:2024-06-25:7", StreakMilestone("u1", 7, streakStart, now).SourceKey)
}

func TestMarkShownAndExpiry(t *testing.T) {
	c := GoalCompleted("u1", "g1", "Read 5 books", 10, now)

	assert.True(t, c.MarkShown(now))
	assert.False(t, c.MarkShown(now.Add(time.Minute)))
	assert.Equal(t, now, *c.ShownAt)

	assert.False(t, c.IsExpired(now.Add(6*24*time.Hour)))
	assert.True(t, c.IsExpired(now.Add(DefaultTTL)))
}

func TestDefaultPriority(t *testing.T) {
	assert.Equal(t, PriorityHigh, TypeLevelUp.DefaultPriority())
	assert.Equal(t, PriorityNormal, TypeStreakMilestone.DefaultPriority())
	assert.Equal(t, PriorityLow, TypeMilestoneReached.DefaultPriority())
	assert.Equal(t, "high", PriorityHigh.String())
}
