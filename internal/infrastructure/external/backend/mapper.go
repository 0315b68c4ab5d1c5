package backend

import (
	"log/slog"
	"time"

	"github.com/ensenas/progression-engine/internal/domain/progression"
	"github.com/ensenas/progression-engine/pkg/timeutil"
)

// Mapper converts backend DTOs to domain values. Malformed fields are
// replaced by conservative defaults and logged, never returned as errors.
type Mapper struct {
	streaks progression.StreakModel
	logger  *slog.Logger
}

// NewMapper creates a mapper that reads calendar dates in loc.
func NewMapper(loc *time.Location, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{streaks: progression.NewStreakModel(loc), logger: logger}
}

// StatsFromDTO maps GET stats/summary.
func (m *Mapper) StatsFromDTO(dto StatsDTO) progression.RemoteStats {
	return progression.RemoteStats{
		GlobalPrecision: dto.PrecisionGlobal,
		TotalTimeMs:     dto.TiempoTotalMs,
		CurrentStreak:   max(dto.RachaActual, 0),
		SignsMastered:   max(dto.SenasDominadas, 0),
	}
}

// ModulesFromDTO maps GET progress.
func (m *Mapper) ModulesFromDTO(dtos []ProgressDTO) []progression.ModuleProgress {
	out := make([]progression.ModuleProgress, 0, len(dtos))
	for _, dto := range dtos {
		mp := progression.ModuleProgress{
			ModuleID: dto.ModuleID,
			Percent:  min(max(dto.Percent, 0), 100),
		}
		if dto.LastActivity != "" {
			if t, err := timeutil.ParseTimestamp(dto.LastActivity); err == nil {
				mp.LastActivity = &t
			} else {
				m.malformed("progress.last_activity", dto.LastActivity)
			}
		}
		out = append(out, mp)
	}
	return out
}

// LevelFromDTO maps GET xp/level.
func (m *Mapper) LevelFromDTO(dto LevelInfoDTO) progression.LevelReport {
	return progression.LevelReport{
		TotalXP: max(dto.TotalXP, 0),
		Level:   m.LevelInfoFromDTO(dto),
	}
}

// LevelInfoFromDTO trusts the backend's level unless it is out of range, in
// which case the level is recomputed from the total.
func (m *Mapper) LevelInfoFromDTO(dto LevelInfoDTO) progression.LevelInfo {
	if dto.CurrentLevel < progression.MinLevel || dto.CurrentLevel > progression.MaxLevel {
		m.malformed("level.current_level", dto.CurrentLevel)
		return progression.LevelFor(max(dto.TotalXP, 0))
	}

	p := dto.Progress
	if p > 1 {
		p /= 100
	}
	info := progression.LevelInfo{
		Level:       dto.CurrentLevel,
		XPIntoLevel: max(dto.CurrentLevelXP, 0),
		XPRequired:  max(dto.RequiredXP, 0),
		Progress:    min(max(p, 0), 1),
		Title:       dto.LevelTitle,
	}
	if info.Title == "" {
		info.Title = progression.TitleFor(info.Level)
	}
	return info
}

// StreakFromDTO maps GET streak. An unparseable last-activity date maps to
// no prior activity.
func (m *Mapper) StreakFromDTO(dto StreakDTO) progression.StreakInfo {
	info := progression.StreakInfo{
		Current:         max(dto.CurrentStreak, 0),
		Longest:         max(dto.LongestStreak, 0),
		TotalActiveDays: max(dto.TotalActiveDays, 0),
	}
	copy(info.WeeklyCalendar[:], dto.WeeklyCalendar)

	if dto.LastActivityDate != nil {
		if t, ok := m.streaks.ParseActivityDate(*dto.LastActivityDate); ok {
			info.LastActivity = &t
		} else {
			m.malformed("streak.last_activity_date", *dto.LastActivityDate)
		}
	}
	return info
}

// ReceiptFromDTO maps POST xp/award.
func (m *Mapper) ReceiptFromDTO(dto XPAwardResponseDTO) progression.AwardReceipt {
	levelDTO := dto.LevelInfo
	if levelDTO.TotalXP == 0 {
		levelDTO.TotalXP = dto.TotalXP
	}
	level := m.LevelInfoFromDTO(levelDTO)
	return progression.AwardReceipt{
		XPAwarded:     dto.XPAwarded,
		TotalXP:       max(dto.TotalXP, 0),
		PreviousLevel: dto.PreviousLevel,
		CurrentLevel:  dto.CurrentLevel,
		LevelUp:       dto.LevelUp,
		Level:         level,
	}
}

// AwardToDTO builds the POST xp/award body.
func (m *Mapper) AwardToDTO(award progression.XPAward) XPAwardRequestDTO {
	dto := XPAwardRequestDTO{
		Amount:   award.Amount,
		Source:   award.Source,
		SourceID: award.SourceID,
	}
	if award.Description != "" {
		d := award.Description
		dto.Description = &d
	}
	return dto
}

// DailyActivityFromDTO maps POST streak/update.
func (m *Mapper) DailyActivityFromDTO(dto DailyActivityDTO) progression.DailyActivity {
	out := progression.DailyActivity{
		ID:                   dto.ID,
		UserID:               dto.UserID,
		QuizzesCompleted:     dto.QuizzesCompleted,
		LessonsCompleted:     dto.LessonsCompleted,
		MemoryGamesCompleted: dto.MemoryGamesCompleted,
		XPEarned:             dto.XPEarned,
	}
	if t, ok := m.streaks.ParseActivityDate(dto.ActivityDate); ok {
		out.ActivityDate = t
	} else {
		m.malformed("daily_activity.activity_date", dto.ActivityDate)
	}
	if t, err := timeutil.ParseTimestamp(dto.CreatedAt); err == nil {
		out.CreatedAt = t
	}
	return out
}

// TransactionsFromDTO maps GET xp/transactions. An entry with an
// unparseable timestamp keeps the zero time, which sorts it before today.
func (m *Mapper) TransactionsFromDTO(dtos []XPTransactionDTO) []progression.XPTransaction {
	out := make([]progression.XPTransaction, 0, len(dtos))
	for _, dto := range dtos {
		tx := progression.XPTransaction{
			ID:       dto.ID,
			UserID:   dto.UserID,
			Amount:   dto.Amount,
			Source:   dto.Source,
			SourceID: dto.SourceID,
		}
		if dto.Description != nil {
			tx.Description = *dto.Description
		}
		if t, err := timeutil.ParseTimestamp(dto.CreatedAt); err == nil {
			tx.CreatedAt = t
		} else {
			m.malformed("xp_transaction.created_at", dto.CreatedAt)
		}
		out = append(out, tx)
	}
	return out
}

func (m *Mapper) malformed(field string, value any) {
	m.logger.Warn("malformed backend field, using default", "field", field, "value", value)
}
