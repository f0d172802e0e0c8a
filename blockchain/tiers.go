package blockchain

import (
	"encoding/json"
	"slices"
)

const (
	LevelBasic = iota
	LevelBronze
	LevelSilver
	LevelGold
	LevelPlatinum
	LevelDiamond
)

var levelNames = []string{"basic", "bronze", "silver", "gold", "platinum", "diamond"}

func LevelName(level int) string {
	if level < 0 || level >= len(levelNames) {
		return levelNames[0]
	}
	return levelNames[level]
}

var thresholds = []struct {
	min   float64
	level int
}{
	{1_000_000, LevelDiamond},
	{100_000, LevelPlatinum},
	{10_000, LevelGold},
	{1_000, LevelSilver},
	{100, LevelBronze},
}

// LevelFor maps a token balance to a holder level.
func LevelFor(balance float64) int {
	for _, t := range thresholds {
		if balance >= t.min {
			return t.level
		}
	}
	return LevelBasic
}

// DailyLimit is a request quota; Unlimited encodes as "unlimited".
type DailyLimit int

const Unlimited DailyLimit = -1

func (d DailyLimit) IsUnlimited() bool { return d < 0 }

func (d DailyLimit) MarshalJSON() ([]byte, error) {
	if d.IsUnlimited() {
		return []byte(`"unlimited"`), nil
	}
	return json.Marshal(int(d))
}

func (d *DailyLimit) UnmarshalJSON(b []byte) error {
	if string(b) == `"unlimited"` {
		*d = Unlimited
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*d = DailyLimit(n)
	return nil
}

const AllModels = "all"

type Benefits struct {
	DailyRequests    DailyLimit `json:"daily_requests"`
	MaxAgents        int        `json:"max_agents"`
	AdvancedFeatures bool       `json:"advanced_features"`
	APIRateLimit     int        `json:"api_rate_limit"`
	ModelAccess      []string   `json:"model_access"`
	SupportLevel     string     `json:"support_level"`
}

// CanUseModel reports whether the tier grants access to modelID.
func (b Benefits) CanUseModel(modelID string) bool {
	return slices.Contains(b.ModelAccess, AllModels) || slices.Contains(b.ModelAccess, modelID)
}

var benefits = map[int]Benefits{
	LevelBasic: {
		DailyRequests: 100, MaxAgents: 2, APIRateLimit: 10,
		ModelAccess:  []string{"deepseek-7b"},
		SupportLevel: "community",
	},
	LevelBronze: {
		DailyRequests: 1000, MaxAgents: 5, APIRateLimit: 20,
		ModelAccess:  []string{"deepseek-7b", "deepseek-13b"},
		SupportLevel: "email",
	},
	LevelSilver: {
		DailyRequests: 5000, MaxAgents: 10, AdvancedFeatures: true, APIRateLimit: 50,
		ModelAccess:  []string{"deepseek-7b", "deepseek-13b", "deepseek-33b"},
		SupportLevel: "priority",
	},
	LevelGold: {
		DailyRequests: 20000, MaxAgents: 25, AdvancedFeatures: true, APIRateLimit: 100,
		ModelAccess:  []string{"deepseek-7b", "deepseek-13b", "deepseek-33b", "deepseek-67b"},
		SupportLevel: "dedicated",
	},
	LevelPlatinum: {
		DailyRequests: 100000, MaxAgents: 50, AdvancedFeatures: true, APIRateLimit: 200,
		ModelAccess:  []string{AllModels},
		SupportLevel: "enterprise",
	},
	LevelDiamond: {
		DailyRequests: Unlimited, MaxAgents: 100, AdvancedFeatures: true, APIRateLimit: 500,
		ModelAccess:  []string{AllModels},
		SupportLevel: "white_glove",
	},
}

// BenefitsFor returns the tier table entry for level, falling back to basic.
func BenefitsFor(level int) Benefits {
	b, ok := benefits[level]
	if !ok {
		b = benefits[LevelBasic]
	}
	b.ModelAccess = slices.Clone(b.ModelAccess)
	return b
}
