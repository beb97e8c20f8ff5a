package mcpserver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/status"
)

const testManifest = "source_name,PatientID,PatientName,StudyDate,StudyTime,visit,session,target_name,uploaded\n" +
	"a,1,SPN01_0001_PRE,20200101,900,1,1,SPN01_CMH_0001_01_SE01_MR,\n" +
	"b,1,SPN01_0001_PRE,20200301,900,2,1,<ignore>,\n" +
	"c,2,SPN01_0002_PRE,20200101,900,2,1,,\n"

func connect(t *testing.T, manifestPath string) *mcp.ClientSession {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	server := New(Options{Study: "SPN01", ManifestPath: manifestPath, Version: "test"})
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("connect server: %v", err)
	}
	t.Cleanup(func() { ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("connect client: %v", err)
	}
	t.Cleanup(func() { cs.Close() })
	return cs
}

func writeManifest(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.csv")
	if err := os.WriteFile(path, []byte(testManifest), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func decode[T any](t *testing.T, value any) T {
	t.Helper()
	data, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal structured content: %v", err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal structured content: %v", err)
	}
	return out
}

func TestResources(t *testing.T) {
	cs := connect(t, writeManifest(t))
	tests := []struct {
		uri  string
		want string
	}{
		{"embedded:numarchives", "3"},
		{"embedded:numparticipants", "2"},
		{"embedded:numvisits", "3"},
		{"embedded:manifest", testManifest},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			res, err := cs.ReadResource(context.Background(), &mcp.ReadResourceParams{URI: tt.uri})
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Contents) != 1 {
				t.Fatalf("got %d contents", len(res.Contents))
			}
			if diff := cmp.Diff(tt.want, res.Contents[0].Text); diff != "" {
				t.Errorf("ReadResource(%s) mismatch (-want +got):\n%s", tt.uri, diff)
			}
		})
	}

	res, err := cs.ReadResource(context.Background(), &mcp.ReadResourceParams{URI: "embedded:info"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Contents[0].Text, "SPN01") {
		t.Errorf("info = %q", res.Contents[0].Text)
	}
}

func TestSummaryTool(t *testing.T) {
	cs := connect(t, writeManifest(t))
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: "manifest/summary", Arguments: map[string]any{}})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("manifest/summary failed: %+v", res.Content)
	}
	want := status.Summary{Archives: 3, Participants: 2, Visits: 3, Ignored: 1, Unassigned: 1}
	if diff := cmp.Diff(want, decode[status.Summary](t, res.StructuredContent)); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
}

func TestLookupTool(t *testing.T) {
	cs := connect(t, writeManifest(t))
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "manifest/lookup",
		Arguments: map[string]any{"source_name": "a.zip"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("manifest/lookup failed: %+v", res.Content)
	}
	want := Row{
		SourceName:  "a",
		PatientID:   "1",
		PatientName: "SPN01_0001_PRE",
		StudyDate:   20200101,
		StudyTime:   900,
		Visit:       1,
		Session:     1,
		TargetName:  "SPN01_CMH_0001_01_SE01_MR",
	}
	if diff := cmp.Diff(want, decode[Row](t, res.StructuredContent)); diff != "" {
		t.Errorf("lookup mismatch (-want +got):\n%s", diff)
	}

	res, err = cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "manifest/lookup",
		Arguments: map[string]any{"source_name": "missing"},
	})
	if err == nil && !res.IsError {
		t.Error("lookup of an unknown archive should fail")
	}
}

func TestScanIDTool(t *testing.T) {
	cs := connect(t, writeManifest(t))
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "scanid/parse",
		Arguments: map[string]any{"scanid": "SPN01_CMH_0001_01_SE01_MR"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("scanid/parse failed: %+v", res.Content)
	}
	want := ScanID{Study: "SPN01", Site: "CMH", Subject: "0001", Timepoint: "01", Session: "SE01", Modality: "MR", BIDSName: "sub-CMH0001"}
	if diff := cmp.Diff(want, decode[ScanID](t, res.StructuredContent)); diff != "" {
		t.Errorf("scanid/parse mismatch (-want +got):\n%s", diff)
	}
}

func TestMissingManifest(t *testing.T) {
	cs := connect(t, filepath.Join(t.TempDir(), "manifest.csv"))
	if _, err := cs.ReadResource(context.Background(), &mcp.ReadResourceParams{URI: "embedded:numarchives"}); err == nil {
		t.Error("ReadResource() without manifest want error")
	}
}
