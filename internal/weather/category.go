// Package weather maps severe weather alerts to the categories schedules can
// trigger on and fetches active alerts from the National Weather Service.
package weather

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

type Category string

const (
	Thunderstorm  Category = "Thunderstorm"
	Tornado       Category = "Tornado"
	Hurricane     Category = "Hurricane"
	FlashFlood    Category = "FlashFlood"
	SevereWeather Category = "SevereWeather"
	WinterStorm   Category = "WinterStorm"
	ExtremeHeat   Category = "ExtremeHeat"
	ExtremeCold   Category = "ExtremeCold"
)

// Categories lists every known category in display order.
var Categories = []Category{
	Thunderstorm, Tornado, Hurricane, FlashFlood,
	SevereWeather, WinterStorm, ExtremeHeat, ExtremeCold,
}

var displayNames = map[Category]string{
	Thunderstorm:  "Thunderstorm",
	Tornado:       "Tornado",
	Hurricane:     "Hurricane/Tropical Storm",
	FlashFlood:    "Flash Flood",
	SevereWeather: "Severe Weather",
	WinterStorm:   "Winter Storm",
	ExtremeHeat:   "Extreme Heat",
	ExtremeCold:   "Extreme Cold",
}

func (c Category) DisplayName() string {
	if name, ok := displayNames[c]; ok {
		return name
	}
	return string(c)
}

// eventKeywords is checked in order; the first keyword found in the
// lowercased event name decides the category.
var eventKeywords = []struct {
	keywords []string
	category Category
}{
	{[]string{"tornado"}, Tornado},
	{[]string{"hurricane", "tropical"}, Hurricane},
	{[]string{"thunderstorm", "thunder"}, Thunderstorm},
	{[]string{"flood"}, FlashFlood},
	{[]string{"winter", "blizzard", "ice"}, WinterStorm},
	{[]string{"heat"}, ExtremeHeat},
	{[]string{"cold", "freeze"}, ExtremeCold},
	{[]string{"severe"}, SevereWeather},
}

// CategoryFromEvent classifies an NWS event name such as "Tornado Warning".
// ok is false for events no schedule can trigger on.
func CategoryFromEvent(event string) (Category, bool) {
	lower := strings.ToLower(event)
	for _, rule := range eventKeywords {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.category, true
			}
		}
	}
	return "", false
}

// ParseCategory accepts the canonical name or its snake_case form
// ("flash_flood"), case-insensitively.
func ParseCategory(s string) (Category, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	for _, c := range Categories {
		if strings.ToLower(string(c)) == norm {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown weather category: %q", s)
}

func (c *Category) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseCategory(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
