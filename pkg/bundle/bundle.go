// Package bundle checks that a directory holds a usable tokenizer artifact bundle.
package bundle

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// ErrIncomplete is returned when a bundle lacks a vocabulary or a configuration file.
var ErrIncomplete = errors.New("incomplete tokenizer bundle")

// DefaultPatterns select the files a tokenizer needs, in gitignore syntax.
var DefaultPatterns = []string{
	"/tokenizer.json",
	"/tokenizer_config.json",
	"/special_tokens_map.json",
	"/added_tokens.json",
	"/vocab.txt",
	"/vocab.json",
	"/merges.txt",
	"/*.model",
}

const (
	tokenizerJSON   = "tokenizer.json"
	tokenizerConfig = "tokenizer_config.json"
)

func isVocabulary(name string) bool {
	switch path.Base(name) {
	case tokenizerJSON, "vocab.txt", "vocab.json":
		return true
	}
	return strings.HasSuffix(name, ".model")
}

func isConfiguration(name string) bool {
	switch path.Base(name) {
	case tokenizerJSON, tokenizerConfig:
		return true
	}
	return false
}

// HasRequiredFiles reports whether names contain both a vocabulary and a configuration file.
func HasRequiredFiles(names []string) error {
	var vocab, config bool
	for _, n := range names {
		vocab = vocab || isVocabulary(n)
		config = config || isConfiguration(n)
	}
	switch {
	case !vocab && !config:
		return fmt.Errorf("%w: no vocabulary or configuration file", ErrIncomplete)
	case !vocab:
		return fmt.Errorf("%w: no vocabulary file", ErrIncomplete)
	case !config:
		return fmt.Errorf("%w: no configuration file", ErrIncomplete)
	}
	return nil
}

// Report describes a verified bundle.
type Report struct {
	Dir   string
	Files []string
	// ModelType is the tokenizer.json model type, e.g. WordPiece or BPE.
	ModelType string
	VocabSize int
	// Loaded is set when tokenizer.json was loaded into a working tokenizer.
	Loaded bool
	// LoadError holds why loading failed for model types the loader does not support.
	LoadError string
}

// Verify checks dir for a complete bundle and loads tokenizer.json when present.
func Verify(dir string) (*Report, error) {
	files, err := listFiles(dir)
	if err != nil {
		return nil, err
	}
	if err := HasRequiredFiles(files); err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}

	r := &Report{Dir: dir, Files: files}
	has := func(name string) bool {
		i := sort.SearchStrings(files, name)
		return i < len(files) && files[i] == name
	}

	if has(tokenizerConfig) {
		var cfg map[string]any
		if err := readJSON(filepath.Join(dir, tokenizerConfig), &cfg); err != nil {
			return nil, err
		}
	}

	switch {
	case has(tokenizerJSON):
		typ, size, err := inspectTokenizerJSON(filepath.Join(dir, tokenizerJSON))
		if err != nil {
			return nil, err
		}
		r.ModelType, r.VocabSize = typ, size
		if _, err := load(dir); err != nil {
			r.LoadError = err.Error()
		} else {
			r.Loaded = true
		}
	case has("vocab.txt"):
		size, err := countLines(filepath.Join(dir, "vocab.txt"))
		if err != nil {
			return nil, err
		}
		r.ModelType, r.VocabSize = "WordPiece", size
	case has("vocab.json"):
		var vocab map[string]int
		if err := readJSON(filepath.Join(dir, "vocab.json"), &vocab); err != nil {
			return nil, err
		}
		r.ModelType, r.VocabSize = "BPE", len(vocab)
	default:
		r.ModelType = "SentencePiece"
	}
	if r.VocabSize == 0 && r.ModelType != "SentencePiece" {
		return nil, fmt.Errorf("%s: %w: empty vocabulary", dir, ErrIncomplete)
	}
	return r, nil
}

// Probe encodes text with the bundle's tokenizer.json and returns the token ids.
func Probe(dir, text string) ([]int, error) {
	tk, err := load(dir)
	if err != nil {
		return nil, err
	}
	enc, err := tk.EncodeSingle(text, true)
	if err != nil {
		return nil, fmt.Errorf("encode probe text: %w", err)
	}
	return enc.Ids, nil
}

func load(dir string) (tk *tokenizer.Tokenizer, err error) {
	// The loader panics on some unsupported configurations.
	defer func() {
		if r := recover(); r != nil {
			tk, err = nil, fmt.Errorf("load %s: %v", tokenizerJSON, r)
		}
	}()
	tk, err = pretrained.FromFile(filepath.Join(dir, tokenizerJSON))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", tokenizerJSON, err)
	}
	return tk, nil
}

type tokenizerFile struct {
	Model *struct {
		Type  string          `json:"type"`
		Vocab json.RawMessage `json:"vocab"`
	} `json:"model"`
}

// inspectTokenizerJSON returns the model type and vocabulary size of a tokenizer.json.
// BPE and WordPiece store the vocabulary as an object, Unigram as a list of pairs.
func inspectTokenizerJSON(p string) (string, int, error) {
	var tf tokenizerFile
	if err := readJSON(p, &tf); err != nil {
		return "", 0, err
	}
	if tf.Model == nil || len(tf.Model.Vocab) == 0 || string(tf.Model.Vocab) == "null" {
		return "", 0, fmt.Errorf("%s: %w: model.vocab is missing", p, ErrIncomplete)
	}

	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(tf.Model.Vocab, &asMap); err == nil {
		return tf.Model.Type, len(asMap), nil
	}
	var asList []json.RawMessage
	if err := json.Unmarshal(tf.Model.Vocab, &asList); err == nil {
		return tf.Model.Type, len(asList), nil
	}
	return "", 0, fmt.Errorf("%s: model.vocab is neither an object nor a list", p)
}

func readJSON(p string, v any) error {
	data, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("read %s: %w", p, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", p, err)
	}
	return nil
}

func countLines(p string) (int, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", p, err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if sc.Text() != "" {
			n++
		}
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("read %s: %w", p, err)
	}
	return n, nil
}

func listFiles(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat bundle dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	var files []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list bundle dir: %w", err)
	}
	sort.Strings(files)
	return files, nil
}
