package responses

// PackageList is one page of the package listing.
type PackageList struct {
	Packages []PackageSummary `json:"packages"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
	Pages    int              `json:"pages"`
}

// PackageSummary is one row of the package listing.
type PackageSummary struct {
	Name        string `json:"name"`
	Latest      string `json:"latest,omitempty"`
	Description string `json:"description,omitempty"`
	Private     bool   `json:"private"`
}
