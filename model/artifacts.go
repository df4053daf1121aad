package model

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/moby/sys/atomicwriter"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Artifacts locates the persisted model and label encoder. Both files
// carry the same pair id; a model is only ever loaded with the encoder it
// was saved with.
type Artifacts struct {
	ModelPath  string
	LabelsPath string
}

// Save stamps a new pair id on p and enc and replaces both files. Both
// are staged next to their targets before either is renamed into place,
// and the previous model is put back if the labels cannot follow it, so a
// failed save leaves the previous pair loadable.
func (a *Artifacts) Save(p *Params, enc *LabelEncoder) (string, error) {
	if enc.Len() != p.Classes {
		return "", errors.Wrapf(ErrShapeMismatch, "%d labels for %d outputs", enc.Len(), p.Classes)
	}

	pairID := uuid.NewString()
	p.PairID = pairID
	enc.PairID = pairID

	modelTmp, err := stageMsgpack(a.ModelPath, p)
	if err != nil {
		return "", errors.Wrap(err, "save model")
	}
	defer os.Remove(modelTmp)
	labelsTmp, err := stageMsgpack(a.LabelsPath, enc)
	if err != nil {
		return "", errors.Wrap(err, "save labels")
	}
	defer os.Remove(labelsTmp)

	previous, err := os.ReadFile(a.ModelPath)
	if err != nil && !os.IsNotExist(err) {
		return "", errors.Wrapf(err, "read %s", a.ModelPath)
	}
	hadPrevious := err == nil

	if err := os.Rename(modelTmp, a.ModelPath); err != nil {
		return "", errors.Wrap(err, "save model")
	}
	if err := os.Rename(labelsTmp, a.LabelsPath); err != nil {
		if rerr := a.restoreModel(previous, hadPrevious); rerr != nil {
			return "", errors.Wrapf(err, "save labels (restore model: %v)", rerr)
		}
		return "", errors.Wrap(err, "save labels")
	}
	return pairID, nil
}

func (a *Artifacts) restoreModel(previous []byte, hadPrevious bool) error {
	if !hadPrevious {
		return os.Remove(a.ModelPath)
	}
	return atomicwriter.WriteFile(a.ModelPath, previous, 0o644)
}

// Load reads and checks the pair. Missing files yield ErrModelNotLoaded.
func (a *Artifacts) Load() (*Params, *LabelEncoder, error) {
	var p Params
	if err := readMsgpack(a.ModelPath, &p); err != nil {
		return nil, nil, err
	}
	var enc LabelEncoder
	if err := readMsgpack(a.LabelsPath, &enc); err != nil {
		return nil, nil, err
	}

	if p.PairID != enc.PairID {
		return nil, nil, errors.Wrapf(ErrArtifactMismatch, "model %s, labels %s", p.PairID, enc.PairID)
	}
	if err := p.Validate(); err != nil {
		return nil, nil, errors.Wrapf(err, "load %s", a.ModelPath)
	}
	if enc.Len() != p.Classes {
		return nil, nil, errors.Wrapf(ErrShapeMismatch, "%d labels for %d outputs", enc.Len(), p.Classes)
	}
	return &p, &enc, nil
}

// stageMsgpack writes v to a temporary file in the directory of path and
// returns its name.
func stageMsgpack(path string, v interface{}) (string, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "encode")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create %s", dir)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", errors.Wrapf(err, "stage %s", path)
	}
	name := f.Name()
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(name, 0o644)
	}
	if err != nil {
		os.Remove(name)
		return "", errors.Wrapf(err, "stage %s", path)
	}
	return name, nil
}

func readMsgpack(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrModelNotLoaded, "%s does not exist", path)
		}
		return errors.Wrapf(err, "read %s", path)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	return nil
}
