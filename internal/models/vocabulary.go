package models

import "strings"

// Subject is a controlled taxonomy term.
type Subject string

// ResourceType is the genre of a resource.
type ResourceType string

// Format is the container/format of a resource.
type Format string

// Vocabulary is a closed set of permitted values for one record field.
type Vocabulary[T ~string] struct {
	field string
	terms []T
	index map[string]T
}

func newVocabulary[T ~string](field string, groups ...[]T) *Vocabulary[T] {
	v := &Vocabulary[T]{field: field, index: make(map[string]T)}
	for _, group := range groups {
		for _, term := range group {
			key := strings.ToLower(string(term))
			if _, dup := v.index[key]; dup {
				continue
			}
			v.index[key] = term
			v.terms = append(v.terms, term)
		}
	}
	return v
}

// Field is the record field the vocabulary constrains.
func (v *Vocabulary[T]) Field() string { return v.field }

// Terms returns the permitted values in declaration order.
func (v *Vocabulary[T]) Terms() []T {
	out := make([]T, len(v.terms))
	copy(out, v.terms)
	return out
}

// Contains reports whether t is spelled exactly as a permitted value.
func (v *Vocabulary[T]) Contains(t T) bool {
	canon, ok := v.index[strings.ToLower(string(t))]
	return ok && canon == t
}

// Canonical maps s to its permitted spelling, ignoring case and surrounding space.
func (v *Vocabulary[T]) Canonical(s string) (T, bool) {
	t, ok := v.index[strings.ToLower(strings.TrimSpace(s))]
	return t, ok
}

var schoolSubjects = []Subject{
	"Primary computing education", "Primary STEM education",
	"Elementary school computing education", "Elementary school STEM education",
	"Middle school computing education", "Middle school STEM education",
	"Secondary computing education", "Secondary STEM education",
	"High school computing education", "High school STEM education",
	"K-12 computing education", "K12/K-12 STEM education",
	"Computer Science", "Python", "MicroPython", "Computer Engineering",
	"Robotics", "Internet of Things (IoT)", "Machine learning (ML)",
	"Artificial intelligence (AI)", "Teach with physical computing",
	"micro:bit", "micro:bit v1", "micro:bit v2",
	"Raspberry Pi", "Raspberry Pi Pico", "Arduino",
	"Computing", "Coding", "Data Science",
}

var universitySubjects = []Subject{
	"Computer Science", "Computer Engineering", "Electrical Engineering",
	"Robotics", "Internet of Things (IoT)", "Machine learning (ML)",
	"Artificial intelligence (AI)", "Embedded Systems",
	"Real Time Operating Systems (RTOS)", "Mobile Computing",
	"Cloud Computing", "Edge Computing", "SW Design & Development",
	"Digital System", "Digital Signal Processing", "System-on-Chip Design",
	"Computer Architecture", "VLSI", "Operating Systems", "Linux",
	"MVE / Helium", "Computing",
}

// Controlled vocabularies of FileMetadataRecord.
var (
	Subjects = newVocabulary("subject", schoolSubjects, universitySubjects)

	ResourceTypes = newVocabulary("type", []ResourceType{
		"EdKit", "Lecture", "Lab", "Video", "Animation", "Course", "Resource",
	})

	Formats = newVocabulary("format", []Format{"ppt", "doc", "zip", "mp3", "pdf"})
)
