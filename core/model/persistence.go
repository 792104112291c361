package model

import (
	"bufio"
	"encoding/gob"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// SaveModel はモデルをファイルに保存する
//
// 書き込みは同じディレクトリの一時ファイルに行い、完了後に rename するため
// 途中で失敗しても既存のファイルは壊れない
//
// 使用例:
//
//	forest := ensemble.NewRandomForestClassifier()
//	// ... モデルの学習 ...
//	err := model.SaveModel(forest, "forest.gob")
func SaveModel(model interface{}, filename string) error {
	return WriteFileAtomic(filename, func(w io.Writer) error {
		return SaveModelToWriter(model, w)
	})
}

// LoadModel はファイルからモデルを読み込む
//
// 使用例:
//
//	var forest ensemble.RandomForestClassifier
//	err := model.LoadModel(&forest, "forest.gob")
func LoadModel(model interface{}, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return errors.Wrap(err, "failed to open file")
	}
	defer file.Close()

	return LoadModelFromReader(model, bufio.NewReader(file))
}

// SaveModelToWriter はモデルをio.Writerに保存する
func SaveModelToWriter(model interface{}, w io.Writer) error {
	encoder := gob.NewEncoder(w)
	if err := encoder.Encode(model); err != nil {
		return errors.Wrap(err, "failed to encode model")
	}
	return nil
}

// LoadModelFromReader はio.Readerからモデルを読み込む
func LoadModelFromReader(model interface{}, r io.Reader) error {
	decoder := gob.NewDecoder(r)
	if err := decoder.Decode(model); err != nil {
		return errors.Wrap(err, "failed to decode model")
	}
	return nil
}

// WriteFileAtomic は write の出力で filename を置き換える
//
// write がエラーを返した場合、一時ファイルは削除され filename は変更されない
func WriteFileAtomic(filename string, write func(w io.Writer) error) (err error) {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(filename)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary file")
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	buf := bufio.NewWriter(tmp)
	if err = write(buf); err != nil {
		return err
	}
	if err = buf.Flush(); err != nil {
		return errors.Wrap(err, "failed to flush model")
	}
	if err = tmp.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync model")
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close temporary file")
	}
	if err = os.Rename(tmp.Name(), filename); err != nil {
		return errors.Wrapf(err, "failed to replace %s", filename)
	}
	return nil
}
