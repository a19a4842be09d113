// Package lexicon holds the bilingual (Hebrew/English) vocabulary the validator, the extraction guard
// and the error policy engine match user text against.
//
// The vocabulary is embedded in the binary as YAML and indexed once at load.
package lexicon

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

//go:embed lexicon.yaml
var embeddedLexicon []byte

// AliasEntry maps many spellings onto one canonical label.
type AliasEntry struct {
	Canonical string   `yaml:"canonical"`
	Aliases   []string `yaml:"aliases"`
}

// Concept ties question phrasing to the fields it asks about.
type Concept struct {
	Name      string   `yaml:"name"`
	Format    string   `yaml:"format"`
	SlugHints []string `yaml:"slug_hints"`
	Keywords  []string `yaml:"keywords"`
}

// Segment is a coarse business segment recognized in free text.
type Segment struct {
	Segment  string   `yaml:"segment"`
	Keywords []string `yaml:"keywords"`
}

// FirstTurn holds the word lists used before any question was asked.
type FirstTurn struct {
	NameIntros  []string `yaml:"name_intros"`
	StopWords   []string `yaml:"stop_words"`
	DomainNouns []string `yaml:"domain_nouns"`
}

type file struct {
	Blocklists          map[string][]string `yaml:"blocklists"`
	BlocklistExceptions []string            `yaml:"blocklist_exceptions"`
	UnknownTokens       []string            `yaml:"unknown_tokens"`
	NegativeTokens      []string            `yaml:"negative_tokens"`
	YesTokens           []string            `yaml:"yes_tokens"`
	NoTokens            []string            `yaml:"no_tokens"`
	LegalEntityTypes    []AliasEntry        `yaml:"legal_entity_types"`
	RelationsToBusiness []AliasEntry        `yaml:"relations_to_business"`
	BuildingRelations   []AliasEntry        `yaml:"building_relations"`
	QuestionConcepts    []Concept           `yaml:"question_concepts"`
	MailDomains         []string            `yaml:"mail_domains"`
	TLDTypos            map[string]string   `yaml:"tld_typos"`
	BusinessSegments    []Segment           `yaml:"business_segments"`
	FirstTurn           FirstTurn           `yaml:"first_turn"`
	TechnicalTerms      []string            `yaml:"technical_terms"`
}

// Lexicon is the indexed vocabulary. It is immutable after Parse.
type Lexicon struct {
	blocklists map[string][]string
	exceptions []string
	unknown    map[string]bool
	negative   map[string]bool
	yes        map[string]bool
	no         map[string]bool

	LegalEntities     *AliasTable
	Relations         *AliasTable
	BuildingRelations *AliasTable
	Concepts          []Concept
	MailDomains       []string
	TLDTypos          map[string]string
	Segments          []Segment
	FirstTurn         FirstTurn
	stopWords         map[string]bool
	domainNouns       map[string]bool
	technicalTerms    []string
}

var (
	defaultOnce sync.Once
	defaultLex  *Lexicon
	defaultErr  error
)

// Default returns the embedded lexicon, parsed once.
func Default() (*Lexicon, error) {
	defaultOnce.Do(func() {
		defaultLex, defaultErr = Parse(embeddedLexicon)
	})
	return defaultLex, defaultErr
}

// MustDefault is Default for callers that cannot proceed without the embedded lexicon.
func MustDefault() *Lexicon {
	l, err := Default()
	if err != nil {
		panic(fmt.Sprintf("failed to load embedded lexicon: %v", err))
	}
	return l
}

// Parse unmarshals and indexes a lexicon document. Alias collisions and yes/no overlaps are errors.
func Parse(data []byte) (*Lexicon, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lexicon: %w", err)
	}

	l := &Lexicon{
		blocklists:     map[string][]string{},
		exceptions:     append([]string(nil), f.BlocklistExceptions...),
		unknown:        foldSet(f.UnknownTokens),
		negative:       foldSet(f.NegativeTokens),
		yes:            foldSet(f.YesTokens),
		no:             foldSet(f.NoTokens),
		Concepts:       f.QuestionConcepts,
		MailDomains:    f.MailDomains,
		TLDTypos:       f.TLDTypos,
		Segments:       f.BusinessSegments,
		FirstTurn:      f.FirstTurn,
		stopWords:      foldSet(f.FirstTurn.StopWords),
		domainNouns:    foldSet(f.FirstTurn.DomainNouns),
		technicalTerms: make([]string, 0, len(f.TechnicalTerms)),
	}
	for name, words := range f.Blocklists {
		l.blocklists[name] = words
	}
	for _, t := range f.TechnicalTerms {
		l.technicalTerms = append(l.technicalTerms, strings.ToLower(t))
	}
	for tok := range l.yes {
		if l.no[tok] {
			return nil, fmt.Errorf("lexicon: token %q is both a yes and a no token", tok)
		}
	}

	var err error
	if l.LegalEntities, err = NewAliasTable("legal_entity_types", f.LegalEntityTypes); err != nil {
		return nil, err
	}
	if l.Relations, err = NewAliasTable("relations_to_business", f.RelationsToBusiness); err != nil {
		return nil, err
	}
	if l.BuildingRelations, err = NewAliasTable("building_relations", f.BuildingRelations); err != nil {
		return nil, err
	}
	return l, nil
}

// Blocklist returns the named prohibited-word list.
func (l *Lexicon) Blocklist(name string) ([]string, bool) {
	words, ok := l.blocklists[name]
	return words, ok
}

// BlocklistExceptions returns benign words that contain a blocked word.
func (l *Lexicon) BlocklistExceptions() []string { return l.exceptions }

// IsUnknown reports whether s is an explicit "I don't know" answer.
func (l *Lexicon) IsUnknown(s string) bool { return l.unknown[Fold(s)] }

// IsNegative reports whether s is an explicit "none" answer.
func (l *Lexicon) IsNegative(s string) bool { return l.negative[Fold(s)] }

// YesNo classifies s as an explicit yes or no answer.
func (l *Lexicon) YesNo(s string) (value bool, ok bool) {
	f := Fold(s)
	if l.yes[f] {
		return true, true
	}
	if l.no[f] {
		return false, true
	}
	return false, false
}

// IsStopWord reports whether a single word is an intent or greeting word, never a name.
func (l *Lexicon) IsStopWord(word string) bool { return l.stopWords[Fold(word)] }

// IsDomainNoun reports whether a single word is a product or business noun, never a name.
func (l *Lexicon) IsDomainNoun(word string) bool { return l.domainNouns[Fold(word)] }

// IsTechnical reports whether text carries infrastructure vocabulary.
func (l *Lexicon) IsTechnical(text string) bool {
	lower := strings.ToLower(text)
	for _, term := range l.technicalTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// MatchConcepts returns the concepts whose keywords appear in a question. When keywords overlap,
// only the longest match is kept, so "שם העסק" selects business_name and not person_name.
func (l *Lexicon) MatchConcepts(question string) []Concept {
	words := strings.Fields(Fold(question))
	type hit struct {
		concept    int
		start, end int
	}
	var hits []hit
	for ci, c := range l.Concepts {
		for _, kw := range c.Keywords {
			kwWords := strings.Fields(Fold(kw))
			for _, start := range phraseIndexes(words, kwWords, true) {
				hits = append(hits, hit{concept: ci, start: start, end: start + len(kwWords)})
			}
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].end-hits[i].start > hits[j].end-hits[j].start
	})
	taken := make([]bool, len(words))
	seen := map[int]bool{}
	var out []Concept
	for _, h := range hits {
		overlap := false
		for i := h.start; i < h.end; i++ {
			if taken[i] {
				overlap = true
				break
			}
		}
		if overlap {
			continue
		}
		for i := h.start; i < h.end; i++ {
			taken[i] = true
		}
		if !seen[h.concept] {
			seen[h.concept] = true
			out = append(out, l.Concepts[h.concept])
		}
	}
	return out
}

// MatchSegment returns the first business segment mentioned in text.
func (l *Lexicon) MatchSegment(text string) (string, bool) {
	words := strings.Fields(Fold(text))
	best, bestLen := "", 0
	for _, s := range l.Segments {
		for _, kw := range s.Keywords {
			kwWords := strings.Fields(Fold(kw))
			if len(kwWords) > bestLen && len(phraseIndexes(words, kwWords, true)) > 0 {
				best, bestLen = s.Segment, len(kwWords)
			}
		}
	}
	return best, bestLen > 0
}

// ContainsPhrase reports whether phrase occurs in text on word boundaries, allowing a one-letter
// Hebrew prefix on the first word.
func ContainsPhrase(text, phrase string) bool {
	return len(phraseIndexes(strings.Fields(Fold(text)), strings.Fields(Fold(phrase)), true)) > 0
}

// Fold canonicalizes text for vocabulary matching: lower case, Hebrew abbreviation marks and quotes
// removed, other punctuation turned into spaces, whitespace collapsed.
func Fold(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case isQuoteMark(r), r == '.', r == '/':
			// dropped: ע״מ, ע.מ and n/a fold onto their bare letters
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func isQuoteMark(r rune) bool {
	switch r {
	case '"', '\'', '`', '׳', '״', '“', '”', '‘', '’', '„':
		return true
	}
	return false
}

// hebrewPrefixes are single letters that attach to the following word (the, in, to, and, from, that, as).
const hebrewPrefixes = "הבלומשכ"

func phraseIndexes(words, phrase []string, allowPrefix bool) []int {
	if len(phrase) == 0 || len(phrase) > len(words) {
		return nil
	}
	var out []int
	for i := 0; i+len(phrase) <= len(words); i++ {
		match := true
		for j, pw := range phrase {
			w := words[i+j]
			if w == pw {
				continue
			}
			if j == 0 && allowPrefix && hasHebrewPrefix(w, pw) {
				continue
			}
			match = false
			break
		}
		if match {
			out = append(out, i)
		}
	}
	return out
}

func hasHebrewPrefix(word, base string) bool {
	r, size := utf8.DecodeRuneInString(word)
	if !strings.ContainsRune(hebrewPrefixes, r) {
		return false
	}
	return word[size:] == base && utf8.RuneCountInString(base) >= 2
}

func foldSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, s := range items {
		if f := Fold(s); f != "" {
			out[f] = true
		}
	}
	return out
}

// SlugHasHint reports whether the underscore-separated words of hint appear consecutively in slug,
// so "count" matches "employee_count" but not "account_number".
func SlugHasHint(slug, hint string) bool {
	words := strings.Split(strings.ToLower(slug), "_")
	hw := strings.FieldsFunc(strings.ToLower(hint), func(r rune) bool { return r == '_' })
	return len(hw) > 0 && len(phraseIndexes(words, hw, false)) > 0
}
