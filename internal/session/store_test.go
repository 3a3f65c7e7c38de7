package session

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMaxUpload = 1 << 20

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), 15*time.Minute, testMaxUpload)
}

func pdfUpload(name, content string) Upload {
	return Upload{
		Filename: name,
		Size:     int64(len(content)),
		Content:  strings.NewReader(content),
	}
}

func TestCreateIssuesDistinctSessions(t *testing.T) {
	st := newTestStore(t)

	a := st.Create()
	b := st.Create()

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.Token, b.Token)
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, 2, st.Len())
}

func TestTryGetUnknownSessionReturnsNil(t *testing.T) {
	st := newTestStore(t)
	assert.Nil(t, st.TryGet("ses_missing"))
	assert.Nil(t, st.TryGetByToken("nope"))
}

func TestTryGetByTokenFindsSession(t *testing.T) {
	st := newTestStore(t)
	s := st.Create()

	got := st.TryGetByToken(s.Token)
	require.NotNil(t, got)
	assert.Equal(t, s.ID, got.ID)
}

func TestStoreUploadHappyPath(t *testing.T) {
	st := newTestStore(t)
	s := st.Create()

	doc, err := st.StoreUpload(s.ID, s.Token, pdfUpload("report.pdf", "%PDF-1.4 data"))
	require.NoError(t, err)

	assert.Equal(t, "report.pdf", doc.Filename)
	assert.Equal(t, "application/pdf", doc.ContentType)
	assert.Equal(t, int64(len("%PDF-1.4 data")), doc.SizeBytes)

	got := st.TryGet(s.ID)
	require.NotNil(t, got)
	assert.Equal(t, StatusUploaded, got.Status)
	require.Len(t, got.Documents, 1)
}

func TestStoreUploadRejectsWrongToken(t *testing.T) {
	st := newTestStore(t)
	s := st.Create()

	_, err := st.StoreUpload(s.ID, "wrong-token", pdfUpload("a.pdf", "x"))
	assert.ErrorIs(t, err, ErrInvalidToken)

	got := st.TryGet(s.ID)
	assert.Equal(t, StatusPending, got.Status)
}

func TestStoreUploadRejectsUnknownSession(t *testing.T) {
	st := newTestStore(t)

	_, err := st.StoreUpload("ses_missing", "token", pdfUpload("a.pdf", "x"))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// The session verdict comes first even when the file is also bad.
	_, err = st.StoreUpload("ses_missing", "token", pdfUpload("malware.exe", "MZ"))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStoreUploadSpentSessionVerdictPrecedesFileChecks(t *testing.T) {
	st := newTestStore(t)
	s := st.Create()

	_, err := st.StoreUpload(s.ID, s.Token, pdfUpload("first.pdf", "one"))
	require.NoError(t, err)

	_, err = st.StoreUpload(s.ID, s.Token, pdfUpload("malware.exe", "MZ"))
	assert.ErrorIs(t, err, ErrAlreadyUploaded)

	_, err = st.StoreUpload(s.ID, "wrong-token", pdfUpload("malware.exe", "MZ"))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestStoreUploadRejectsUnsupportedFileType(t *testing.T) {
	st := newTestStore(t)
	s := st.Create()

	_, err := st.StoreUpload(s.ID, s.Token, pdfUpload("malware.exe", "MZ"))
	assert.ErrorIs(t, err, ErrUnsupportedFileType)

	// The session is untouched and still usable.
	got := st.TryGet(s.ID)
	assert.Equal(t, StatusPending, got.Status)

	_, err = st.StoreUpload(s.ID, s.Token, pdfUpload("fine.pdf", "data"))
	assert.NoError(t, err)
}

func TestStoreUploadRejectsOversizedFile(t *testing.T) {
	st := NewStore(t.TempDir(), 15*time.Minute, 10)
	s := st.Create()

	// Declared size over the limit is rejected before spooling.
	_, err := st.StoreUpload(s.ID, s.Token, pdfUpload("big.pdf", strings.Repeat("x", 11)))
	assert.ErrorIs(t, err, ErrFileTooLarge)

	// Undeclared size is caught while spooling.
	_, err = st.StoreUpload(s.ID, s.Token, Upload{
		Filename: "big.pdf",
		Content:  strings.NewReader(strings.Repeat("x", 11)),
	})
	assert.ErrorIs(t, err, ErrFileTooLarge)

	assert.Equal(t, StatusPending, st.TryGet(s.ID).Status)
}

func TestStoreUploadSecondAttemptRejected(t *testing.T) {
	st := newTestStore(t)
	s := st.Create()

	_, err := st.StoreUpload(s.ID, s.Token, pdfUpload("first.pdf", "one"))
	require.NoError(t, err)

	_, err = st.StoreUpload(s.ID, s.Token, pdfUpload("second.pdf", "two"))
	assert.ErrorIs(t, err, ErrAlreadyUploaded)

	got := st.TryGet(s.ID)
	require.Len(t, got.Documents, 1)
	assert.Equal(t, "first.pdf", got.Documents[0].Filename)
}

func TestStoreUploadConcurrentSingleWinner(t *testing.T) {
	st := newTestStore(t)
	s := st.Create()

	const attempts = 8
	errs := make([]error, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = st.StoreUpload(s.ID, s.Token, pdfUpload("doc.pdf", "payload"))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyUploaded)
		}
	}
	assert.Equal(t, 1, winners, "exactly one upload wins")

	got := st.TryGet(s.ID)
	assert.Equal(t, StatusUploaded, got.Status)
	assert.Len(t, got.Documents, 1)
}

func TestExpiredSessionNotFound(t *testing.T) {
	st := newTestStore(t)
	s := st.Create()

	now := time.Now()
	st.now = func() time.Time { return now.Add(16 * time.Minute) }

	assert.Nil(t, st.TryGet(s.ID))
	assert.Nil(t, st.TryGetByToken(s.Token))

	_, err := st.StoreUpload(s.ID, s.Token, pdfUpload("late.pdf", "x"))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSweepEvictsExpiredSessions(t *testing.T) {
	st := newTestStore(t)
	old := st.Create()

	now := time.Now()
	st.now = func() time.Time { return now.Add(20 * time.Minute) }
	fresh := st.Create()

	evicted := st.Sweep(now.Add(20 * time.Minute))
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, st.Len())

	assert.Nil(t, st.TryGetByToken(old.Token))
	assert.NotNil(t, st.TryGet(fresh.ID))
}

func TestLatestAndNamedDocumentLookup(t *testing.T) {
	s := &Session{Documents: []Document{
		{ID: "doc_1", Filename: "a.pdf"},
		{ID: "doc_2", Filename: "b.pdf"},
	}}

	assert.Equal(t, "doc_2", s.LatestDocument().ID)
	assert.Equal(t, "doc_1", s.DocumentByFilename("a.pdf").ID)
	assert.Nil(t, s.DocumentByFilename("c.pdf"))

	var empty Session
	assert.Nil(t, empty.LatestDocument())
}
