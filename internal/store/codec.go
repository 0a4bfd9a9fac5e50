package store

import (
	"encoding/json"
	"fmt"
	"time"

	"crumbs/internal/game"
	"crumbs/internal/wire"

	"github.com/shopspring/decimal"
)

type row struct {
	cookies      string
	buildings    string
	achievements string
}

func encodeRow(req wire.SaveRequest) (row, error) {
	buildings, err := json.Marshal(req.BuildingsData)
	if err != nil {
		return row{}, fmt.Errorf("encode buildings_data: %w", err)
	}
	achievements, err := json.Marshal(req.Achievements)
	if err != nil {
		return row{}, fmt.Errorf("encode achievements: %w", err)
	}
	return row{
		cookies:      wire.CurrencyToDecimal(req.CookiesCollected).String(),
		buildings:    string(buildings),
		achievements: string(achievements),
	}, nil
}

func decodeRow(r row, lastUpdated time.Time) (wire.Record, error) {
	cookies, err := decimal.NewFromString(r.cookies)
	if err != nil {
		return wire.Record{}, fmt.Errorf("decode cookies_collected: %w", err)
	}
	var buildings wire.ProducerList
	if err := json.Unmarshal([]byte(r.buildings), &buildings); err != nil {
		return wire.Record{}, err
	}
	var achievements wire.AchievementList
	if err := json.Unmarshal([]byte(r.achievements), &achievements); err != nil {
		return wire.Record{}, err
	}
	return wire.Record{
		CookiesCollected: wire.DecimalToCurrency(cookies),
		BuildingsData:    buildings,
		Achievements:     achievements,
		LastUpdated:      lastUpdated.UTC(),
	}, nil
}

func mergeAchievements(stored string, incoming wire.AchievementList) (string, error) {
	var existing wire.AchievementList
	if stored != "" {
		if err := json.Unmarshal([]byte(stored), &existing); err != nil {
			return "", err
		}
	}
	merged, err := json.Marshal(wire.AchievementList(game.UnionAchievements(existing, incoming)))
	if err != nil {
		return "", err
	}
	return string(merged), nil
}
