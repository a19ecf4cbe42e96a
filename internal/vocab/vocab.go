// Package vocab parses Piper voice descriptors and derives the flat token
// table the inference engine loads beside the model.
//
// The engine aborts the whole process when it sees the same token name twice,
// so the derivation must keep exactly one id per symbol (the first id of each
// descriptor entry) and must never emit a literal newline as a token line.
package vocab

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// DefaultVoiceID is used when the descriptor names neither an espeak voice
// nor a language code.
const DefaultVoiceID = "en-us"

// defaultSpeakerCount applies when num_speakers is absent from the descriptor.
const defaultSpeakerCount = 1

// newlineSymbol is the one phoneme symbol that can never appear in the token
// table: the table format is line-oriented.
const newlineSymbol = "\n"

// tokenFilePermissions restricts the token table to the owning user.
const tokenFilePermissions = 0o600

// Error message constants.
const (
	errMsgMalformedVocabulary = "malformed vocabulary descriptor"
	errFmtUnmarshalDescriptor = "%w: %w"
	errFmtMissingPhonemeMap   = "%w: phoneme_id_map is missing or empty"
	errFmtInvalidSampleRate   = "%w: audio.sample_rate must be a positive integer, got %d"
	errFmtEmptyIDList         = "%w: phoneme %q maps to an empty id list"
	errFmtRemoveTokenTable    = "failed to remove existing token table %s: %w"
	errFmtWriteTokenTable     = "failed to write token table %s: %w"
)

// ErrMalformedVocabulary indicates that the JSON descriptor is missing its
// phoneme map or audio block, or carries invalid values in either.
var ErrMalformedVocabulary = errors.New(errMsgMalformedVocabulary)

// AudioConfig is the audio block of the descriptor.
type AudioConfig struct {
	SampleRate int `json:"sample_rate"`
}

// EspeakConfig carries the espeak voice identifier, the most specific voice
// tag the descriptor provides.
type EspeakConfig struct {
	Voice string `json:"voice"`
}

// LanguageConfig carries the broader language-family code, used only when no
// espeak voice is present.
type LanguageConfig struct {
	Code string `json:"code"`
}

// VoiceConfig is the parsed view of a voice model's JSON side-car.
type VoiceConfig struct {
	Audio        AudioConfig        `json:"audio"`
	PhonemeIDMap map[string][]int64 `json:"phoneme_id_map"`
	NumSpeakers  int                `json:"num_speakers"`
	Espeak       EspeakConfig       `json:"espeak"`
	Language     LanguageConfig     `json:"language"`
}

// Token is one (symbol, id) pair of the derived token table.
type Token struct {
	Symbol string
	ID     int64
}

// ParseVoiceConfig decodes and validates a voice descriptor. It fails with
// ErrMalformedVocabulary when the phoneme map is absent, the sample rate is
// not a positive integer, or any phoneme maps to an empty id list.
func ParseVoiceConfig(data []byte) (*VoiceConfig, error) {
	var cfg VoiceConfig

	err := json.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf(errFmtUnmarshalDescriptor, ErrMalformedVocabulary, err)
	}

	validateErr := cfg.validate()
	if validateErr != nil {
		return nil, validateErr
	}

	return &cfg, nil
}

func (c *VoiceConfig) validate() error {
	if len(c.PhonemeIDMap) == 0 {
		return fmt.Errorf(errFmtMissingPhonemeMap, ErrMalformedVocabulary)
	}

	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf(
			errFmtInvalidSampleRate,
			ErrMalformedVocabulary,
			c.Audio.SampleRate,
		)
	}

	for symbol, ids := range c.PhonemeIDMap {
		if len(ids) == 0 {
			return fmt.Errorf(errFmtEmptyIDList, ErrMalformedVocabulary, symbol)
		}
	}

	return nil
}

// SpeakerCount returns num_speakers, defaulting to one speaker when the
// descriptor omits the field or carries a non-positive value.
func (c *VoiceConfig) SpeakerCount() int {
	if c.NumSpeakers <= 0 {
		return defaultSpeakerCount
	}

	return c.NumSpeakers
}

// VoiceID resolves the voice/language identifier for the asset, preferring
// the specific espeak voice over the broader language code, and falling back
// to DefaultVoiceID when the descriptor provides neither.
func (c *VoiceConfig) VoiceID() string {
	if c.Espeak.Voice != "" {
		return c.Espeak.Voice
	}

	if c.Language.Code != "" {
		return c.Language.Code
	}

	return DefaultVoiceID
}

// DeriveTokenTable produces the canonical token table for a descriptor: one
// entry per phoneme symbol, carrying the first id of that symbol's list,
// sorted ascending by id. The literal newline symbol is excluded entirely.
//
// Symbols are enumerated in lexical order before the stable sort by id, so
// the result is deterministic; two distinct symbols sharing an id both keep
// their own entry (the input data is expected to avoid that case).
func DeriveTokenTable(cfg *VoiceConfig) ([]Token, error) {
	if len(cfg.PhonemeIDMap) == 0 {
		return nil, fmt.Errorf(errFmtMissingPhonemeMap, ErrMalformedVocabulary)
	}

	symbols := make([]string, 0, len(cfg.PhonemeIDMap))
	for symbol := range cfg.PhonemeIDMap {
		symbols = append(symbols, symbol)
	}

	sort.Strings(symbols)

	tokens := make([]Token, 0, len(symbols))

	for _, symbol := range symbols {
		if symbol == newlineSymbol {
			continue
		}

		ids := cfg.PhonemeIDMap[symbol]
		if len(ids) == 0 {
			return nil, fmt.Errorf(errFmtEmptyIDList, ErrMalformedVocabulary, symbol)
		}

		tokens = append(tokens, Token{Symbol: symbol, ID: ids[0]})
	}

	sort.SliceStable(tokens, func(i, j int) bool {
		return tokens[i].ID < tokens[j].ID
	})

	return tokens, nil
}

// FormatTokenTable renders the table as "<symbol> <id>" lines, one per entry,
// each newline-terminated.
func FormatTokenTable(tokens []Token) string {
	var builder strings.Builder

	for _, token := range tokens {
		builder.WriteString(token.Symbol)
		builder.WriteByte(' ')
		builder.WriteString(strconv.FormatInt(token.ID, 10))
		builder.WriteByte('\n')
	}

	return builder.String()
}

// WriteTokenTable serializes the table to path. Any pre-existing file at that
// path is removed first and the file is rewritten from scratch, never merged,
// so that output from older, buggy pipeline versions self-heals. A failed
// write removes the partial file before surfacing the error.
func WriteTokenTable(path string, tokens []Token) error {
	removeErr := os.Remove(path)
	if removeErr != nil && !os.IsNotExist(removeErr) {
		return fmt.Errorf(errFmtRemoveTokenTable, path, removeErr)
	}

	writeErr := os.WriteFile(path, []byte(FormatTokenTable(tokens)), tokenFilePermissions)
	if writeErr != nil {
		// Never leave a partially written table behind.
		_ = os.Remove(path)

		return fmt.Errorf(errFmtWriteTokenTable, path, writeErr)
	}

	return nil
}
