package har

// Transform flattens doc into page summaries (document page order) followed
// by request records (document entry order). It is a pure function of its
// inputs and does not modify doc.
//
// Dangling page or business-transaction references resolve to "". Structural
// defects are reported as ErrMalformedDocument before any record is built.
func Transform(doc *Document, run RunMeta) ([]Record, error) {
	if err := Validate(doc); err != nil {
		return nil, err
	}

	// page id -> page url (the page title); first occurrence wins
	pageURLs := make(map[string]string, len(doc.Log.Pages))
	for _, p := range doc.Log.Pages {
		if _, dup := pageURLs[p.ID]; !dup {
			pageURLs[p.ID] = p.Title
		}
	}

	groups := make(map[Position]string, len(doc.Log.GroupData))
	for _, g := range doc.Log.GroupData {
		if _, dup := groups[g.Position]; !dup {
			groups[g.Position] = g.Name
		}
	}

	records := make([]Record, 0, len(doc.Log.Pages)+len(doc.Log.Entries))
	for _, p := range doc.Log.Pages {
		records = append(records, PageSummary{
			PageRef:         p.ID,
			PageURL:         p.Title,
			StartedDateTime: run.RunTime,
			WebVitals:       p.WebVitals,
		})
	}

	details := run.details()
	for _, e := range doc.Log.Entries {
		// Validate guarantees the timestamp parses.
		started, _ := ParseTimestamp(e.StartedDateTime)

		var bt string
		if e.BTRef != nil {
			bt = groups[*e.BTRef]
		}

		records = append(records, RequestRecord{
			BusinessTransaction: bt,
			PageURL:             pageURLs[e.PageRef],
			PageRef:             e.PageRef,
			Request:             e.Request.With("postData", redactedPostData),
			Response:            e.Response,
			ServerIPAddress:     e.ServerIPAddress,
			StartedDateTime:     started.Unix(),
			Time:                e.Time,
			Timings:             e.Timings,
			TransactionDetails:  details,
		})
	}

	return records, nil
}

// Summary counts records by kind.
type Summary struct {
	Pages    int
	Requests int
}

// Summarize counts the records of each kind.
func Summarize(records []Record) Summary {
	var s Summary
	for _, r := range records {
		switch r.Kind() {
		case KindPage:
			s.Pages++
		case KindRequest:
			s.Requests++
		}
	}
	return s
}
