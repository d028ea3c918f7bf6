package domain

// DocumentReport summarizes what processing one document did to the graph.
type DocumentReport struct {
	DocumentID       string            `json:"document_id"`
	Spans            int               `json:"spans"`
	Triples          int               `json:"triples"`
	EntitiesCreated  int               `json:"entities_created"`
	EntitiesMerged   int               `json:"entities_merged"`
	RelationsCreated int               `json:"relations_created"`
	RelationsUpdated int               `json:"relations_updated"`
	Deferred         int               `json:"deferred"`
	Errors           map[ErrorKind]int `json:"errors"`
	Violations       []string          `json:"violations,omitempty"`
}

func NewDocumentReport(documentID string) *DocumentReport {
	return &DocumentReport{DocumentID: documentID, Errors: make(map[ErrorKind]int)}
}

func (r *DocumentReport) CountError(err error) {
	if kind := KindOf(err); kind != "" {
		r.Errors[kind]++
	}
}

func (r *DocumentReport) ErrorCount() int {
	n := 0
	for _, c := range r.Errors {
		n += c
	}
	return n
}
