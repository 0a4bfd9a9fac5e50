// Package wire is the JSON contract between the game client and the persistence API.
// Every numeric field crosses the boundary through Number or Count, so the normalization
// rules live in one place.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"crumbs/internal/game"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFinite = errors.New("number must be finite")
	ErrNegative  = errors.New("number must be >= 0")
	ErrUnsafeInt = errors.New("integer exceeds 2^53-1")
	ErrFraction  = errors.New("count must be a whole number")
)

// Number is a non-negative finite JSON number. It also accepts numeric strings, which is how
// some clients ship values that overflowed their native number type.
type Number float64

func (n Number) MarshalJSON() ([]byte, error) {
	f := float64(n)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, ErrNotFinite
	}
	return []byte(strconv.FormatFloat(f, 'f', -1, 64)), nil
}

func (n *Number) UnmarshalJSON(raw []byte) error {
	f, err := parseNumber(raw)
	if err != nil {
		return err
	}
	if f < 0 {
		return ErrNegative
	}
	*n = Number(f)
	return nil
}

// Count is a non-negative integer that survives a round trip through a float64 JSON number.
type Count int64

func (c Count) MarshalJSON() ([]byte, error) {
	if c < 0 {
		return nil, ErrNegative
	}
	if int64(c) > game.MaxSafeCount {
		return nil, ErrUnsafeInt
	}
	return []byte(strconv.FormatInt(int64(c), 10)), nil
}

func (c *Count) UnmarshalJSON(raw []byte) error {
	f, err := parseNumber(raw)
	if err != nil {
		return err
	}
	if f < 0 {
		return ErrNegative
	}
	if f != math.Trunc(f) {
		return ErrFraction
	}
	if f > float64(game.MaxSafeCount) {
		return ErrUnsafeInt
	}
	*c = Count(int64(f))
	return nil
}

func parseNumber(raw []byte) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) || len(raw) == 0 {
		return 0, nil
	}
	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, err
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return 0, nil
		}
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", text)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrNotFinite
	}
	return f, nil
}

// Producer is one element of buildings_data.
type Producer struct {
	Name     string `json:"name"`
	BaseCost Number `json:"baseCost"`
	BaseCps  Number `json:"baseCps"`
	Count    Count  `json:"count"`
}

// ProducerList decodes buildings_data given either as an array or as a string holding one.
type ProducerList []Producer

func (l *ProducerList) UnmarshalJSON(raw []byte) error {
	raw, err := unwrapEncoded(raw)
	if err != nil {
		return fmt.Errorf("buildings_data: %w", err)
	}
	if raw == nil {
		*l = ProducerList{}
		return nil
	}
	var items []Producer
	if err := json.Unmarshal(raw, &items); err != nil {
		return fmt.Errorf("buildings_data: %w", err)
	}
	*l = items
	return nil
}

func (l ProducerList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Producer(l))
}

// AchievementList decodes ids given as strings or numbers, as an array or a string holding one.
type AchievementList []string

func (l *AchievementList) UnmarshalJSON(raw []byte) error {
	raw, err := unwrapEncoded(raw)
	if err != nil {
		return fmt.Errorf("achievements: %w", err)
	}
	if raw == nil {
		*l = AchievementList{}
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return fmt.Errorf("achievements: %w", err)
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		id, err := achievementID(item)
		if err != nil {
			return fmt.Errorf("achievements: %w", err)
		}
		if id != "" {
			ids = append(ids, id)
		}
	}
	*l = AchievementList(game.UnionAchievements(ids, nil))
	return nil
}

func (l AchievementList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(l))
}

func achievementID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("invalid achievement id %s", string(raw))
	}
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	return n.String(), nil
}

// unwrapEncoded returns the JSON array inside raw, decoding one level of string encoding.
// A nil result means the field was null or empty.
func unwrapEncoded(raw []byte) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] != '"' {
		return raw, nil
	}
	var inner string
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, err
	}
	inner = strings.TrimSpace(inner)
	if inner == "" || inner == "null" {
		return nil, nil
	}
	return []byte(inner), nil
}

// SaveRequest is the body of POST /save-user-data.
type SaveRequest struct {
	UserID           string          `json:"userId"`
	CookiesCollected Number          `json:"cookies_collected"`
	BuildingsData    ProducerList    `json:"buildings_data"`
	Achievements     AchievementList `json:"achievements"`
}

type SaveResponse struct {
	Message     string    `json:"message"`
	LastUpdated time.Time `json:"last_updated,omitzero"`
}

// Record is a stored snapshot as served by GET /load-user-data.
type Record struct {
	CookiesCollected Number          `json:"cookies_collected"`
	BuildingsData    ProducerList    `json:"buildings_data"`
	Achievements     AchievementList `json:"achievements"`
	LastUpdated      time.Time       `json:"last_updated"`
}

// LoadResponse is either a stored record or the explicit new-user marker
// {"gameState": null, "newUser": true}.
type LoadResponse struct {
	Found  bool
	Record Record
}

func (r LoadResponse) MarshalJSON() ([]byte, error) {
	if !r.Found {
		return json.Marshal(struct {
			GameState *Record `json:"gameState"`
			NewUser   bool    `json:"newUser"`
		}{NewUser: true})
	}
	return json.Marshal(struct {
		Record
		NewUser bool `json:"newUser"`
	}{Record: r.Record})
}

func (r *LoadResponse) UnmarshalJSON(raw []byte) error {
	var aux struct {
		CookiesCollected *Number         `json:"cookies_collected"`
		BuildingsData    ProducerList    `json:"buildings_data"`
		Achievements     AchievementList `json:"achievements"`
		LastUpdated      time.Time       `json:"last_updated"`
		NewUser          *bool           `json:"newUser"`
	}
	if err := json.Unmarshal(raw, &aux); err != nil {
		return err
	}
	found := aux.CookiesCollected != nil
	if aux.NewUser != nil {
		found = !*aux.NewUser
	}
	*r = LoadResponse{Found: found}
	if !found {
		return nil
	}
	r.Record = Record{
		BuildingsData: aux.BuildingsData,
		Achievements:  aux.Achievements,
		LastUpdated:   aux.LastUpdated,
	}
	if aux.CookiesCollected != nil {
		r.Record.CookiesCollected = *aux.CookiesCollected
	}
	return nil
}

// NewSaveRequest encodes a game snapshot for userID.
func NewSaveRequest(userID string, snap game.Snapshot) SaveRequest {
	return SaveRequest{
		UserID:           userID,
		CookiesCollected: Number(snap.Currency),
		BuildingsData:    FromProducers(snap.Producers),
		Achievements:     AchievementList(game.UnionAchievements(snap.Achievements, nil)),
	}
}

// Snapshot decodes the game-facing part of a save request.
func (r SaveRequest) Snapshot() game.Snapshot {
	return game.Snapshot{
		Currency:     float64(r.CookiesCollected),
		Producers:    r.BuildingsData.Producers(),
		Achievements: append([]string{}, r.Achievements...),
	}
}

func (r Record) Snapshot() game.Snapshot {
	return game.Snapshot{
		Currency:     float64(r.CookiesCollected),
		Producers:    r.BuildingsData.Producers(),
		Achievements: append([]string{}, r.Achievements...),
	}
}

func FromProducers(producers []game.ProducerState) ProducerList {
	out := make(ProducerList, len(producers))
	for i, p := range producers {
		out[i] = Producer{
			Name:     p.Name,
			BaseCost: Number(p.BaseCost),
			BaseCps:  Number(p.BaseYield),
			Count:    Count(p.Owned),
		}
	}
	return out
}

func (l ProducerList) Producers() []game.ProducerState {
	out := make([]game.ProducerState, len(l))
	for i, p := range l {
		out[i] = game.ProducerState{
			Name:      p.Name,
			BaseCost:  float64(p.BaseCost),
			BaseYield: float64(p.BaseCps),
			Owned:     int64(p.Count),
		}
	}
	return out
}

// CurrencyToDecimal converts a wire amount into the exact storage representation.
func CurrencyToDecimal(n Number) decimal.Decimal {
	return decimal.NewFromFloat(float64(n))
}

// DecimalToCurrency converts a stored amount back to a JSON-safe number.
func DecimalToCurrency(d decimal.Decimal) Number {
	f := d.InexactFloat64()
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	return Number(f)
}
