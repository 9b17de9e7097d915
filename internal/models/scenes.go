package models

// Scene is one narration unit parsed from the script.
type Scene struct {
	Index       int     `json:"index"`
	Text        string  `json:"text"`
	Prompt      string  `json:"prompt"`
	DurationSec float64 `json:"duration_sec"`
}

// ScenePlan is the scene-parsing stage's artifact.
type ScenePlan struct {
	Scenes   []Scene `json:"scenes"`
	TotalSec float64 `json:"total_sec"`
}
