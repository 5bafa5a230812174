// Package pickup models a single waste-collection event and derives the
// Home Assistant MQTT discovery names and payloads for it.
//
// Every derivation is a pure function of the record's category and an
// [Integration] value. Sensor identifiers are keyed by category alone,
// so two records of the same category in one run share a topic and the
// later publish wins at the broker.
package pickup

import (
	"strings"
	"time"
)

// Category is one waste stream collected by the municipality.
type Category int

// Categories known to the schedule provider.
const (
	Garbage Category = iota + 1
	Paper
	Plastic
	GlassMetal
	FoodWaste
)

// tokenTable maps the schedule page's icon class suffix to a category.
// It tracks the provider's current markup and must be updated when the
// site renames its icons.
var tokenTable = map[string]Category{
	"residual":  Garbage,
	"cardboard": Paper,
	"plastic":   Plastic,
	"glass":     GlassMetal,
	"bio":       FoodWaste,
}

var categoryNames = map[Category]string{
	Garbage:    "Garbage",
	Paper:      "Paper",
	Plastic:    "Plastic",
	GlassMetal: "GlassMetal",
	FoodWaste:  "FoodWaste",
}

var categoryIcons = map[Category]string{
	Garbage:    "mdi:trash-can",
	Paper:      "mdi:package-variant",
	Plastic:    "mdi:recycle",
	GlassMetal: "mdi:bottle-wine",
	FoodWaste:  "mdi:food-apple",
}

// CategoryFromToken looks up token in the provider's token table. The
// match is exact; unknown tokens return ok == false and callers skip
// the entry.
func CategoryFromToken(token string) (Category, bool) {
	c, ok := tokenTable[token]
	return c, ok
}

// String returns the category's variant name, e.g. "GlassMetal".
func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return "Unknown"
}

// Icon returns the Material Design icon shown for the category in HA.
func (c Category) Icon() string {
	return categoryIcons[c]
}

// Record is one scheduled collection. Records are created by the
// schedule source and never modified afterwards.
type Record struct {
	Category Category
	Label    string
	When     time.Time
}

// New creates a Record labelled with the category's name.
func New(c Category, when time.Time) Record {
	return Record{Category: c, Label: c.String(), When: when}
}

// StatePayload renders the collection time as RFC 3339 with the local
// UTC offset, which HA parses for timestamp-class sensors.
func (r Record) StatePayload() string {
	return r.When.Format(time.RFC3339)
}

// Integration is the identity shared by every sensor this program
// publishes: the ID prefixes sensor identifiers and is the HA device
// identifier, the Name is the device name shown in the HA UI.
type Integration struct {
	ID   string
	Name string
}

// DefaultIntegration is the production identity.
var DefaultIntegration = Integration{
	ID:   "avfallsor",
	Name: "Avfall Sør",
}

// DiscoveryPrefix is the HA MQTT discovery topic root.
const DiscoveryPrefix = "homeassistant"

// SensorID returns the stable sensor identifier for r, e.g.
// "avfallsor-garbage".
func (in Integration) SensorID(r Record) string {
	return in.ID + "-" + strings.ToLower(r.Category.String())
}

func (in Integration) topicPrefix(r Record) string {
	return DiscoveryPrefix + "/sensor/" + in.SensorID(r)
}

// ConfigTopic returns the discovery config topic for r.
func (in Integration) ConfigTopic(r Record) string {
	return in.topicPrefix(r) + "/config"
}

// StateTopic returns the state topic for r.
func (in Integration) StateTopic(r Record) string {
	return in.topicPrefix(r) + "/state"
}

// Device is the HA device registry block shared by all sensors.
type Device struct {
	Identifiers []string `json:"identifiers"`
	Name        string   `json:"name"`
}

// SensorConfig is the JSON payload of an HA MQTT sensor discovery
// message.
type SensorConfig struct {
	Name        string `json:"name"`
	DeviceClass string `json:"device_class"`
	StateTopic  string `json:"state_topic"`
	UniqueID    string `json:"unique_id"`
	ObjectID    string `json:"object_id"`
	Icon        string `json:"icon,omitempty"`
	Device      Device `json:"device"`
}

// DiscoveryPayload builds the discovery config message for r.
func (in Integration) DiscoveryPayload(r Record) SensorConfig {
	id := in.SensorID(r)
	return SensorConfig{
		Name:        r.Label,
		DeviceClass: "timestamp",
		StateTopic:  in.StateTopic(r),
		UniqueID:    id,
		ObjectID:    id,
		Icon:        r.Category.Icon(),
		Device: Device{
			Identifiers: []string{in.ID},
			Name:        in.Name,
		},
	}
}
