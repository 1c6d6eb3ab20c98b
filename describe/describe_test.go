package describe

import (
	"strings"
	"testing"

	"github.com/docutag/autofill/models"
	"github.com/stretchr/testify/assert"
)

func TestItalianColor(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Off White", "bianco"},
		{"Antique White", "bianco antico"},
		{"Navy", "blu navy"},
		{"dark grey", "dark grigio"},
		{"Bordeaux", "Bordeaux"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ItalianColor(tt.in), tt.in)
	}
}

func TestItalianMaterial(t *testing.T) {
	assert.Equal(t, "100% cotone", ItalianMaterial("100% Cotton"))
	assert.Equal(t, "elastan", ItalianMaterial("Elastane"))
	assert.Equal(t, "Lino", ItalianMaterial("Lino"))
}

func TestBuildFullEvidence(t *testing.T) {
	got := Build(Input{
		Title:       "T-shirt basic",
		Vendor:      "Acme",
		ProductType: "T-shirt",
		Code:        "ABC123",
		Evidence: &models.EvidencePage{
			StructuredTitle: "Basic Tee",
			Color:           "Off White",
			Material:        "100% Cotton",
			SleeveHint:      "maniche corte",
		},
	})

	want := "<p>Indossa T-shirt Basic Tee di Acme e scopri un equilibrio perfetto tra stile e comfort quotidiano." +
		" La tonalità bianco valorizza il tuo look." +
		" La composizione selezionata garantisce una mano piacevole e durata nel tempo." +
		" Dettagli come maniche corte completano l’insieme.</p>" +
		"<ul><li>Colore: bianco</li><li>Composizione: 100% cotone</li>" +
		"<li>Vestibilità confortevole e facile da abbinare</li><li>Dettagli essenziali e finiture curate</li>" +
		"<li>Ideale dal lavoro al tempo libero</li><li>Cura: seguire le istruzioni in etichetta</li></ul>"
	assert.Equal(t, want, got)
	assert.NotContains(t, got, "Codice articolo", "code bullet falls beyond the limit")
}

func TestBuildMinimal(t *testing.T) {
	got := Build(Input{Title: "Camicia", Vendor: "H&M", Code: "X1", ColorOverride: "Black"})

	assert.True(t, strings.HasPrefix(got, "<p>Indossa Camicia di H&amp;M e scopri"))
	assert.Contains(t, got, "La tonalità nero valorizza")
	assert.NotContains(t, got, "composizione selezionata")
	assert.Contains(t, got, "<li>Codice articolo: X1</li>")
	assert.Equal(t, MaxBullets, strings.Count(got, "<li>"))
}

func TestBuildPrefersColorOverride(t *testing.T) {
	got := Build(Input{Title: "Felpa", ColorOverride: "Rosso", Evidence: &models.EvidencePage{Color: "blue", ColorHint: "green"}})
	assert.Contains(t, got, "Colore: Rosso")
	assert.NotContains(t, got, "blu")
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Pantaloni chino", displayName("Pantaloni chino", "chino", "x"))
	assert.Equal(t, "Giacca Bomber", displayName("Giacca", "Bomber", "x"))
	assert.Equal(t, "Fallback", displayName("", "", "Fallback"))
	assert.Equal(t, "Capo", displayName("", "", ""))
}

func TestMagicPrompt(t *testing.T) {
	assert.Equal(t, "descrivi prodotto ABC123 in italiano, con prima parte emozionale e seconda parte Bullet Point", MagicPrompt(" ABC123 "))
	assert.Contains(t, MagicPrompt(""), "prodotto N/D in italiano")
}
