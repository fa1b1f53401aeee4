package factor

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Track string

const (
	TrackDeFi  Track = "DeFi"
	TrackMeme  Track = "Meme"
	TrackInfra Track = "Infra"
	TrackOther Track = "Other"
)

// Table is the static asset-classification table. Unlisted assets are
// TrackOther.
type Table struct {
	tracks map[string]Track
}

func LoadTable(path string) (*Table, error) {
	if path == "" {
		return &Table{tracks: map[string]Track{}}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Assets map[string]string `yaml:"assets"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	tracks := make(map[string]Track, len(raw.Assets))
	for symbol, track := range raw.Assets {
		tracks[strings.ToUpper(symbol)] = parseTrack(track)
	}
	return &Table{tracks: tracks}, nil
}

func (t *Table) Track(symbol string) Track {
	track, _ := t.Lookup(symbol)
	return track
}

// Lookup reports whether the table actually lists the symbol; callers can
// fall back to the feed's sector hint for unlisted assets.
func (t *Table) Lookup(symbol string) (Track, bool) {
	if t == nil {
		return TrackOther, false
	}
	if track, ok := t.tracks[strings.ToUpper(symbol)]; ok {
		return track, true
	}
	return TrackOther, false
}

func parseTrack(s string) Track {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "defi":
		return TrackDeFi
	case "meme":
		return TrackMeme
	case "infra", "infrastructure":
		return TrackInfra
	default:
		return TrackOther
	}
}
