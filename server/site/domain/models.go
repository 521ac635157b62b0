package domain

import "time"

// Profile is the content of the portfolio page.
type Profile struct {
	Title       string          `yaml:"title"`
	Greeting    string          `yaml:"greeting"`
	Name        string          `yaml:"name"`
	Info        string          `yaml:"info"`
	Description string          `yaml:"description"`
	Buttons     []Link          `yaml:"buttons"`
	Skills      []Skill         `yaml:"skills"`
	Portfolio   []PortfolioItem `yaml:"portfolio"`
	Social      []Link          `yaml:"social"`
	Footer      string          `yaml:"footer"`
}

type Link struct {
	Label string `yaml:"label"`
	URL   string `yaml:"url"`
	Icon  string `yaml:"icon"`
}

type Skill struct {
	Icon        string `yaml:"icon"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
}

type PortfolioItem struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	URL         string `yaml:"url"`
	Label       string `yaml:"label"`
}

type ContactMessage struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
