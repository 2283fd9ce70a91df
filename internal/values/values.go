package values

// Value is one of the ten Schwartz basic human values. The set is closed.
type Value string

const (
	Universalism  Value = "universalism"
	Benevolence   Value = "benevolence"
	Tradition     Value = "tradition"
	Conformity    Value = "conformity"
	Security      Value = "security"
	Achievement   Value = "achievement"
	Power         Value = "power"
	SelfDirection Value = "self_direction"
	Stimulation   Value = "stimulation"
	Hedonism      Value = "hedonism"
)

// Count is the dimensionality of the value space.
const Count = 10

// All lists every value in canonical order. Vector positions, tie-breaking and
// report ordering all follow this order.
var All = [Count]Value{
	Universalism, Benevolence, Tradition, Conformity, Security,
	Achievement, Power, SelfDirection, Stimulation, Hedonism,
}

// Dimension is a higher-order grouping of values.
type Dimension string

const (
	SelfTranscendence Dimension = "self_transcendence"
	Conservation      Dimension = "conservation"
	SelfEnhancement   Dimension = "self_enhancement"
	OpennessToChange  Dimension = "openness_to_change"
)

// Dimensions lists the higher-order dimensions in canonical order.
var Dimensions = [4]Dimension{SelfTranscendence, Conservation, SelfEnhancement, OpennessToChange}

// Definition describes a value for display.
type Definition struct {
	Name        string
	Dimension   Dimension
	Description string
}

var definitions = map[Value]Definition{
	Universalism:  {"Universalism", SelfTranscendence, "Tolerance, social justice, equality, protecting nature"},
	Benevolence:   {"Benevolence", SelfTranscendence, "Helpfulness, honesty, loyalty to those close to you"},
	Tradition:     {"Tradition", Conservation, "Respect for customs, humility, devotion"},
	Conformity:    {"Conformity", Conservation, "Obedience, self-discipline, politeness"},
	Security:      {"Security", Conservation, "Safety, stability, social order"},
	Achievement:   {"Achievement", SelfEnhancement, "Success, competence, ambition"},
	Power:         {"Power", SelfEnhancement, "Authority, wealth, social recognition"},
	SelfDirection: {"Self-Direction", OpennessToChange, "Creativity, freedom, independence"},
	Stimulation:   {"Stimulation", OpennessToChange, "Excitement, novelty, challenge"},
	// Hedonism bridges self-enhancement and openness; grouped with openness.
	Hedonism: {"Hedonism", OpennessToChange, "Pleasure, enjoying life"},
}

var dimensionNames = map[Dimension]string{
	SelfTranscendence: "Self-Transcendence",
	Conservation:      "Conservation",
	SelfEnhancement:   "Self-Enhancement",
	OpennessToChange:  "Openness to Change",
}

var index = func() map[Value]int {
	m := make(map[Value]int, Count)
	for i, v := range All {
		m[v] = i
	}
	return m
}()

// Parse returns the Value named by s, or false if s is not in the taxonomy.
func Parse(s string) (Value, bool) {
	v := Value(s)
	_, ok := index[v]
	return v, ok
}

// Valid reports whether v is one of the ten values.
func (v Value) Valid() bool {
	_, ok := index[v]
	return ok
}

// Index returns the canonical position of v, or -1 if v is unknown.
func (v Value) Index() int {
	if i, ok := index[v]; ok {
		return i
	}
	return -1
}

// Definition returns display metadata for v.
func (v Value) Definition() Definition {
	return definitions[v]
}

// DisplayName returns the human-readable name, falling back to the identifier.
func (v Value) DisplayName() string {
	if d, ok := definitions[v]; ok {
		return d.Name
	}
	return string(v)
}

// Dimension returns the higher-order dimension v belongs to.
func (v Value) Dimension() Dimension {
	return definitions[v].Dimension
}

// DisplayName returns the human-readable dimension name.
func (d Dimension) DisplayName() string {
	if n, ok := dimensionNames[d]; ok {
		return n
	}
	return string(d)
}

// Members returns the values grouped under d, in canonical order.
func (d Dimension) Members() []Value {
	var out []Value
	for _, v := range All {
		if definitions[v].Dimension == d {
			out = append(out, v)
		}
	}
	return out
}
