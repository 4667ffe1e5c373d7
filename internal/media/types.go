package media

// Candidate is an image URL eligible for mirroring. Name is a best-effort
// filename suggested by the origin (for example a known attachment filename).
type Candidate struct {
	URL  string
	Name string
}

// Asset is a downloaded candidate ready for upload.
type Asset struct {
	Name      string
	Mime      string
	Data      []byte
	SourceURL string
}

// Size returns the payload length in bytes.
func (a Asset) Size() int64 {
	return int64(len(a.Data))
}

// URLs returns the candidate URLs in order.
func URLs(candidates []Candidate) []string {
	if len(candidates) == 0 {
		return nil
	}
	urls := make([]string, 0, len(candidates))
	for _, c := range candidates {
		urls = append(urls, c.URL)
	}
	return urls
}
