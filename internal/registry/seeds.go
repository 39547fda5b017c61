package registry

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/postwatch/postwatch/internal/models"
)

type seedClient struct {
	Name           string        `yaml:"name"`
	Username       string        `yaml:"username"`
	Manager        string        `yaml:"manager"`
	LastPostAgo    time.Duration `yaml:"last_post_ago"`
	Followers      string        `yaml:"followers"`
	Following      string        `yaml:"following"`
	Posts          string        `yaml:"posts"`
	EngagementRate string        `yaml:"engagement_rate"`
}

type seedFile struct {
	Clients []seedClient `yaml:"clients"`
}

const day = 24 * time.Hour

var defaultSeeds = []seedClient{
	{"Quintal Mineiro", "@quintalmineiromoc", "João Silva", 14 * day, "12.5k", "1.2k", "450", "6.43%"},
	{"Tech Solutions", "@techsolutions", "Maria Oliveira", 25 * time.Hour, "5.2k", "300", "120", "3.2%"},
	{"Burger King", "@burgerkingbr", "Carlos Souza", 9 * day, "1.2M", "50", "3.5k", "8.1%"},
	{"Padaria Central", "@padariacentral", "Ana Costa", 49 * time.Hour, "3.1k", "500", "210", "4.5%"},
	{"Academia Fit", "@academiafit", "Pedro Santos", 5 * day, "8.9k", "800", "600", "5.1%"},
	{"Loja de Roupas", "@lojaroupas", "Sofia Pereira", 2 * time.Hour, "15.2k", "1.5k", "900", "2.8%"},
	{"Clínica Saúde", "@clinicasaude", "Lucas Fernandes", 12 * day, "4.5k", "200", "150", "3.9%"},
	{"Bar do Zé", "@bardoze", "Mariana Lima", 3 * day, "2.1k", "100", "80", "7.2%"},
	{"Pet Shop", "@petshopfeliz", "Guilherme Rocha", 26 * time.Hour, "6.7k", "400", "320", "5.5%"},
	{"Escola de Inglês", "@escolalinguas", "Isabela Gomes", 7 * day, "3.8k", "150", "200", "4.1%"},
}

// DefaultClients returns the built-in roster installed on first start.
func DefaultClients(now time.Time) []models.ClientRecord {
	return buildSeeds(defaultSeeds, now)
}

// LoadSeedFile reads a YAML roster of the form
//
//	clients:
//	  - name: Bar do Zé
//	    username: "@bardoze"
//	    manager: Mariana Lima
//	    last_post_ago: 72h
//	    followers: 2.1k
//
// Entries without stats start pending and are filled in by the next refresh.
func LoadSeedFile(path string, now time.Time) ([]models.ClientRecord, error) {
	// #nosec G304 -- seed path comes from operator configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var doc seedFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}

	for i, c := range doc.Clients {
		if strings.TrimSpace(c.Name) == "" || models.NormalizeUsername(c.Username) == "" {
			return nil, fmt.Errorf("seed file %s: entry %d: %w", path, i, ErrInvalidClient)
		}
	}

	return buildSeeds(doc.Clients, now), nil
}

func buildSeeds(seeds []seedClient, now time.Time) []models.ClientRecord {
	now = now.UTC()
	out := make([]models.ClientRecord, 0, len(seeds))
	for _, s := range seeds {
		record := models.ClientRecord{
			ID:        uuid.NewString(),
			Name:      strings.TrimSpace(s.Name),
			Username:  strings.TrimSpace(s.Username),
			Manager:   strings.TrimSpace(s.Manager),
			CreatedAt: now,
		}

		if s.Followers == "" {
			record.Followers = models.PendingStat
			record.Following = models.PendingStat
			record.Posts = models.PendingStat
			record.EngagementRate = models.PendingStat
			out = append(out, record)
			continue
		}

		latest := now.Add(-s.LastPostAgo)
		record.LatestPostAt = &latest
		record.DaysSinceLastPost = int(s.LastPostAgo / day)
		record.Followers = s.Followers
		record.Following = valueOr(s.Following, "0")
		record.Posts = valueOr(s.Posts, "0")
		record.EngagementRate = valueOr(s.EngagementRate, "N/A")
		record.Provenance = models.ProvenanceSeed
		out = append(out, record)
	}
	return out
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
