package testutil

import "maps"

// MiniLMID and MiniLMSHA name the fixture repository.
const (
	MiniLMID  = "sentence-transformers/all-MiniLM-L6-v2"
	MiniLMSHA = "c9745ed1d9f207416be6d2e6f8de32d1f16199bf"
)

// A trimmed BERT WordPiece tokenizer in the layout save_pretrained produces.
const miniTokenizerJSON = `{
  "version": "1.0",
  "truncation": null,
  "padding": null,
  "added_tokens": [
    {"id": 0, "content": "[PAD]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 1, "content": "[UNK]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 2, "content": "[CLS]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 3, "content": "[SEP]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 4, "content": "[MASK]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true}
  ],
  "normalizer": null,
  "pre_tokenizer": {"type": "BertPreTokenizer"},
  "post_processor": null,
  "decoder": null,
  "model": {
    "type": "WordPiece",
    "unk_token": "[UNK]",
    "continuing_subword_prefix": "##",
    "max_input_chars_per_word": 100,
    "vocab": {
      "[PAD]": 0,
      "[UNK]": 1,
      "[CLS]": 2,
      "[SEP]": 3,
      "[MASK]": 4,
      "the": 5,
      "test": 6,
      "is": 7,
      "a": 8,
      "regression": 9,
      "##s": 10,
      "hello": 11,
      "world": 12
    }
  }
}
`

const miniTokenizerConfig = `{
  "clean_up_tokenization_spaces": true,
  "cls_token": "[CLS]",
  "do_basic_tokenize": true,
  "do_lower_case": true,
  "mask_token": "[MASK]",
  "model_max_length": 512,
  "never_split": null,
  "pad_token": "[PAD]",
  "sep_token": "[SEP]",
  "strip_accents": null,
  "tokenize_chinese_chars": true,
  "tokenizer_class": "BertTokenizer",
  "unk_token": "[UNK]"
}
`

const miniSpecialTokensMap = `{"cls_token": "[CLS]", "mask_token": "[MASK]", "pad_token": "[PAD]", "sep_token": "[SEP]", "unk_token": "[UNK]"}
`

const miniVocab = "[PAD]\n[UNK]\n[CLS]\n[SEP]\n[MASK]\nthe\ntest\nis\na\nregression\n##s\nhello\nworld\n"

// MiniLMVocabSize is the number of entries in the fixture vocabulary.
const MiniLMVocabSize = 13

// MiniLMBundle returns the tokenizer files of the fixture repository.
func MiniLMBundle() map[string]string {
	return map[string]string{
		"tokenizer.json":          miniTokenizerJSON,
		"tokenizer_config.json":   miniTokenizerConfig,
		"special_tokens_map.json": miniSpecialTokensMap,
		"vocab.txt":               miniVocab,
	}
}

// MiniLMRepoFiles returns the whole fixture repository: the bundle plus model files
// a tokenizer fetch must skip.
func MiniLMRepoFiles() map[string]string {
	files := MiniLMBundle()
	maps.Copy(files, map[string]string{
		"config.json":                       `{"architectures": ["BertModel"], "model_type": "bert"}`,
		"model.safetensors":                 "weights",
		"README.md":                         "# all-MiniLM-L6-v2\n",
		"modules.json":                      "[]",
		"1_Pooling/config.json":             `{"word_embedding_dimension": 384}`,
		"onnx/model.onnx":                   "onnx",
		"onnx/tokenizer.json":               miniTokenizerJSON,
		"sentence_bert_config.json":         `{"max_seq_length": 256}`,
		"config_sentence_transformers.json": "{}",
	})
	return files
}
