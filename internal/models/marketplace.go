package models

// Creation is a marketplace item as returned by the GraphQL API.
type Creation struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Details       string                 `json:"details"`
	Description   string                 `json:"description"`
	Slug          string                 `json:"slug"`
	URL           string                 `json:"url"`
	Tags          []string               `json:"tags"`
	Creator       *CreationCreator       `json:"creator"`
	Price         *CreationPrice         `json:"price"`
	Illustrations []CreationIllustration `json:"illustrations"`
}

type CreationCreator struct {
	Nick string `json:"nick"`
}

type CreationPrice struct {
	Cents int64 `json:"cents"`
}

type CreationIllustration struct {
	ImageURL string `json:"imageUrl"`
}

// Order is one purchase; each line is a creation with its download link.
type Order struct {
	ID    string      `json:"id"`
	Lines []OrderLine `json:"lines"`
}

type OrderLine struct {
	Creation    Creation `json:"creation"`
	DownloadURL string   `json:"downloadUrl"`
}
