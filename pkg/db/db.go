// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package db persists the fuzzer's on-disk state between runs: the corpus
// blob at {workdir}/corpus and one directory per deduplicated crash under
// {workdir}/crashes/{id}/.
package db

import (
	"fmt"
	"os"
	"path/filepath"

	flatbuffers "github.com/google/flatbuffers/go"

	"kfuzz/pkg/corpus"
	"kfuzz/pkg/osutil"
)

const corpusFormatVersion = 1

// SaveCorpus wraps blob (the []byte a corpus.Corpus.Persist call already
// produced) in an Envelope and writes it to {workdir}/corpus, overwriting
// any previous snapshot.
func SaveCorpus(workdir string, blob []byte) error {
	b := flatbuffers.NewBuilder(len(blob) + 64)
	blobOff := b.CreateByteVector(blob)
	EnvelopeStart(b)
	EnvelopeAddVersion(b, corpusFormatVersion)
	EnvelopeAddBlob(b, blobOff)
	root := EnvelopeEnd(b)
	b.Finish(root)
	return osutil.WriteFile(filepath.Join(workdir, "corpus"), b.FinishedBytes())
}

// LoadCorpus reads back a blob SaveCorpus wrote, for corpus.Corpus.Restore
// to decode. A missing file is not an error: a fresh workdir starts with an
// empty corpus.
func LoadCorpus(workdir string) ([]byte, error) {
	path := filepath.Join(workdir, "corpus")
	if !osutil.IsExist(path) {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pkg/db: read corpus: %w", err)
	}
	env := GetRootAsEnvelope(data, 0)
	if v := env.Version(); v != corpusFormatVersion {
		return nil, fmt.Errorf("pkg/db: unsupported corpus format version %d", v)
	}
	return env.BlobBytes(), nil
}

// CorpusPersister implements pkg/scheduler.Persister: on shutdown the
// scheduler calls Persist with the live corpus, and this writes its blob to
// {workdir}/corpus through SaveCorpus.
type CorpusPersister struct {
	Workdir string
}

func (p CorpusPersister) Persist(c *corpus.Corpus) error {
	blob, err := c.Persist()
	if err != nil {
		return fmt.Errorf("pkg/db: corpus persist: %w", err)
	}
	return SaveCorpus(p.Workdir, blob)
}
