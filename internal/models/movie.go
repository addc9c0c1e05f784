package models

// BatchSize is the number of candidates shown per movie tinder round.
const BatchSize = 5

// Movie is one candidate title as returned by the vector search service.
// Only the fields the voting flow needs are kept; the rest of the search
// payload is not carried through.
type Movie struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	PosterURL string  `json:"poster_url,omitempty"`
	Year      int     `json:"year,omitempty"`
	Rating    float64 `json:"rating,omitempty"`
}
