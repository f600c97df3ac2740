package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestSelectLatest_PicksGreatestDate(t *testing.T) {
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	got, ok := SelectLatest([]File{{ID: 10, FileDate: feb}, {ID: 20, FileDate: jan}})
	if !ok || got.ID != 10 {
		t.Fatalf("got=%+v ok=%v", got, ok)
	}
	got, _ = SelectLatest([]File{{ID: 20, FileDate: jan}, {ID: 10, FileDate: feb}})
	if got.ID != 10 {
		t.Fatalf("order-dependent result id=%d", got.ID)
	}
}

func TestSelectLatest_TieBreaksOnHighestID(t *testing.T) {
	d := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, in := range [][]File{
		{{ID: 5, FileDate: d}, {ID: 9, FileDate: d}, {ID: 7, FileDate: d}},
		{{ID: 9, FileDate: d}, {ID: 7, FileDate: d}, {ID: 5, FileDate: d}},
	} {
		got, _ := SelectLatest(in)
		if got.ID != 9 {
			t.Fatalf("tie-break id=%d want 9", got.ID)
		}
	}
	if _, ok := SelectLatest(nil); ok {
		t.Fatalf("empty input should report ok=false")
	}
}

func TestFileDigest_PrefersSHA1(t *testing.T) {
	f := File{Hashes: []Hash{
		{Algo: HashMD5, Value: "D41D8CD98F00B204E9800998ECF8427E"},
		{Algo: HashSHA1, Value: "DA39A3EE5E6B4B0D3255BFEF95601890AFD80709"},
	}}
	d, ok := f.Digest()
	if !ok || d.Algorithm != "sha1" || d.Value != "da39a3ee5e6b4b0d3255bfef95601890afd80709" {
		t.Fatalf("digest=%+v ok=%v", d, ok)
	}

	f = File{Hashes: []Hash{{Algo: HashMD5, Value: "D41D8CD98F00B204E9800998ECF8427E"}}}
	d, ok = f.Digest()
	if !ok || d.Algorithm != "md5" || d.Value != "d41d8cd98f00b204e9800998ecf8427e" {
		t.Fatalf("md5 fallback digest=%+v ok=%v", d, ok)
	}

	if _, ok := (File{}).Digest(); ok {
		t.Fatalf("no hashes should report ok=false")
	}
}

func TestLatestServerPackFileID_FebruaryWins(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/mods/466901" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("x-api-key"); got != "k" {
			t.Errorf("x-api-key=%q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":{"id":466901,"name":"Pack","latestFiles":[
			{"id":100,"fileName":"pack-1.0.zip","fileDate":"2024-01-01T00:00:00Z","serverPackFileId":101},
			{"id":200,"fileName":"pack-1.1.zip","fileDate":"2024-02-01T00:00:00Z","serverPackFileId":201}
		]}}`)
	})

	c := NewClient(srv.URL+"/v1", "k")
	id, err := c.LatestServerPackFileID(context.Background(), 466901)
	if err != nil {
		t.Fatalf("LatestServerPackFileID: %v", err)
	}
	if id != 201 {
		t.Fatalf("id=%d want 201", id)
	}
}

func TestLatestServerPackFileID_FileIsServerPack(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"latestFiles":[
			{"id":300,"fileName":"server.zip","fileDate":"2024-05-01T00:00:00Z","isServerPack":true}
		]}}`)
	})
	id, err := NewClient(srv.URL, "k").LatestServerPackFileID(context.Background(), 1)
	if err != nil || id != 300 {
		t.Fatalf("id=%d err=%v", id, err)
	}
}

func TestLatestServerPackFileID_NoServerPack(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"latestFiles":[
			{"id":300,"fileName":"client.zip","fileDate":"2024-05-01T00:00:00Z"}
		]}}`)
	})
	_, err := NewClient(srv.URL, "k").LatestServerPackFileID(context.Background(), 1)
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("err=%v want ErrUpstream", err)
	}
}

func TestListLatestFiles_NonSuccessIsUpstreamError(t *testing.T) {
	for _, status := range []int{http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError} {
		t.Run(fmt.Sprint(status), func(t *testing.T) {
			srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			})
			_, err := NewClient(srv.URL, "k").ListLatestFiles(context.Background(), 1)
			var ue *UpstreamError
			if !errors.As(err, &ue) {
				t.Fatalf("err=%v want *UpstreamError", err)
			}
			if ue.Status != status {
				t.Fatalf("status=%d want %d", ue.Status, status)
			}
			if !errors.Is(err, ErrUpstream) {
				t.Fatalf("err does not wrap ErrUpstream")
			}
		})
	}
}

func TestListLatestFiles_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	_, err := NewClient(base, "k").ListLatestFiles(context.Background(), 1)
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("err=%v want ErrUpstream", err)
	}
}

func TestGetFile_ParsesDescriptor(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mods/7/files/201" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"data":{"id":201,"fileName":"Pack-Server-1.1.zip",
			"fileDate":"2024-02-01T00:00:00Z",
			"downloadUrl":"https://edge.example.test/files/201/Pack-Server-1.1.zip",
			"hashes":[{"value":"ABCDEF","algo":1},{"value":"123456","algo":2}]}}`)
	})

	f, err := NewClient(srv.URL, "k").GetFile(context.Background(), 7, 201)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if f.ID != 201 || f.FileName != "Pack-Server-1.1.zip" {
		t.Fatalf("file=%+v", f)
	}
	if f.DownloadURL != "https://edge.example.test/files/201/Pack-Server-1.1.zip" {
		t.Fatalf("downloadUrl=%q", f.DownloadURL)
	}
	if d, _ := f.Digest(); d.Value != "abcdef" || d.Algorithm != "sha1" {
		t.Fatalf("digest=%+v", d)
	}
}

func TestDownload_StatusAndBody(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusGone)
			return
		}
		_, _ = io.WriteString(w, "zipbytes")
	})
	c := NewClient(srv.URL, "k")

	body, err := c.Download(context.Background(), srv.URL+"/ok?token=secret")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	b, _ := io.ReadAll(body)
	_ = body.Close()
	if string(b) != "zipbytes" {
		t.Fatalf("body=%q", b)
	}

	_, err = c.Download(context.Background(), srv.URL+"/missing?token=secret")
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.Status != http.StatusGone {
		t.Fatalf("err=%v", err)
	}
	if ue.URL != srv.URL+"/missing" {
		t.Fatalf("url not redacted: %q", ue.URL)
	}
}
