package httpserver

import (
	"strings"

	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

// spectrumKeywords drives the deterministic query classifier. First match
// in declaration order wins; identical input always yields the same tag.
var spectrumKeywords = []struct {
	spectrum domain.Spectrum
	words    []string
}{
	{domain.SpectrumIdentity, []string{
		"who am i", "my name", "email", "phone", "address", "date of birth", "ssn", "identity",
	}},
	{domain.SpectrumFinancial, []string{
		"credit score", "utilization", "balance", "payment", "late", "delinquen",
		"inquir", "tradeline", "account", "loan", "mortgage", "bankrupt", "collection",
	}},
	{domain.SpectrumMultiField, []string{
		"compare", "both", "all of", "and also", "as well as", "across",
	}},
	{domain.SpectrumContext, []string{
		"earlier", "previous", "you said", "before", "last time", "again", "follow up",
	}},
	{domain.SpectrumScaling, []string{
		"batch", "bulk", "every customer", "all customers", "export", "report for",
	}},
	{domain.SpectrumCommunication, []string{
		"explain", "summarize", "draft", "write", "letter", "email to", "simple terms",
	}},
}

// classifySpectrum tags a user query with one of the seven spectrums.
// Queries matching nothing fall into the edge spectrum.
func classifySpectrum(query string) domain.Spectrum {
	q := strings.ToLower(query)
	for _, entry := range spectrumKeywords {
		for _, w := range entry.words {
			if strings.Contains(q, w) {
				return entry.spectrum
			}
		}
	}
	return domain.SpectrumEdge
}
