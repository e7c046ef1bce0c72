package callsign

// Category classifies a call sign for display and priority treatment.
// It does not by itself decide transition legality.
type Category string

const (
	CategoryMovement Category = "movement"
	CategoryIncident Category = "incident"
	CategoryTime     Category = "time"
	CategoryTerminal Category = "terminal"
)

// Key identifies one call sign in the registry. The zero value means the
// journey is still in the planned state and carries no call sign yet.
type Key string

const (
	None           Key = ""
	FirstCourse    Key = "first_course"
	Chapman        Key = "chapman"
	Cocktail       Key = "cocktail"
	CocktailShaken Key = "cocktail_shaken"
	Dessert        Key = "dessert"
	ReOrder        Key = "re_order"
	BrokenArrow    Key = "broken_arrow"
	ETA            Key = "eta"
	ETD            Key = "etd"
	Completed      Key = "completed"
	Cancelled      Key = "cancelled"
)

// CallSign is one entry of the status vocabulary used over the radio.
type CallSign struct {
	Key         Key      `json:"key"`
	Label       string   `json:"label"`
	Description string   `json:"description"`
	Category    Category `json:"category"`
}

// registry is the fixed call-sign vocabulary. Defined once, never mutated.
var registry = []CallSign{
	{FirstCourse, "First Course", "Convoy departed origin, en route to venue", CategoryMovement},
	{Chapman, "Chapman", "Principal on board, convoy moving", CategoryMovement},
	{Cocktail, "Cocktail", "Convoy holding at intermediate point", CategoryMovement},
	{CocktailShaken, "Cocktail Shaken", "Holding extended, awaiting clearance", CategoryMovement},
	{Dessert, "Dessert", "Final approach to destination", CategoryMovement},
	{ReOrder, "Re-order", "Leg aborted, journey will be re-run", CategoryIncident},
	{BrokenArrow, "Broken Arrow", "Incident or distress, convoy requires assistance", CategoryIncident},
	{ETA, "ETA", "Estimated time of arrival annotation", CategoryTime},
	{ETD, "ETD", "Estimated time of departure annotation", CategoryTime},
	{Completed, "Completed", "Journey finished, principal delivered", CategoryTerminal},
	{Cancelled, "Cancelled", "Journey cancelled before completion", CategoryTerminal},
}

var byKey = func() map[Key]CallSign {
	m := make(map[Key]CallSign, len(registry))
	for _, cs := range registry {
		m[cs.Key] = cs
	}
	return m
}()

// Lookup returns the registry entry for a key.
func Lookup(k Key) (CallSign, bool) {
	cs, ok := byKey[k]
	return cs, ok
}

// All returns the registry in declaration order.
func All() []CallSign {
	out := make([]CallSign, len(registry))
	copy(out, registry)
	return out
}

// Label returns the display label for a key, or the raw key for anything
// outside the registry. The planned state renders as "Planned".
func Label(k Key) string {
	if k == None {
		return "Planned"
	}
	if cs, ok := byKey[k]; ok {
		return cs.Label
	}
	return string(k)
}
