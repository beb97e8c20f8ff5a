// Code written 2021 by Hauke Bartsch.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mcpserver answers questions about a study manifest over the Model
// Context Protocol.
package mcpserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/manifest"
	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/scanid"
	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/status"
)

// Options configures the server.
type Options struct {
	Study        string
	ManifestPath string
	Version      string
	Logger       log.Logger
}

type handler struct {
	Options
}

// resource names below the embedded: scheme
var resourceNames = []string{"info", "manifest", "numarchives", "numparticipants", "numvisits"}

// New returns a server with the manifest resources and tools registered.
// The manifest is read again for every request.
func New(opts Options) *mcp.Server {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	h := &handler{Options: opts}

	server := mcp.NewServer(&mcp.Implementation{Name: "datman", Version: opts.Version}, &mcp.ServerOptions{
		Instructions:      "Use this server to look up archives and session identifiers in the manifest of study " + opts.Study + ".",
		CompletionHandler: h.complete,
	})

	mcp.AddTool(server, &mcp.Tool{Name: "manifest/summary", Description: "Count archives, participants, visits, ignored and unassigned rows of the study manifest."}, h.summaryTool)
	mcp.AddTool(server, &mcp.Tool{Name: "manifest/lookup", Description: "Show the manifest row of an archive given its source_name (the zip file name without extension)."}, h.lookupTool)
	mcp.AddTool(server, &mcp.Tool{Name: "scanid/parse", Description: "Split a scan id STUDY_SITE_SUBJECT_TIMEPOINT_SESSION_MODALITY into its parts."}, scanIDTool)

	server.AddPrompt(&mcp.Prompt{
		Name:        "explain",
		Description: "Explain how an archive got its visit, session and target name.",
		Arguments:   []*mcp.PromptArgument{{Name: "source_name", Required: true}},
	}, h.explainPrompt)

	for _, name := range resourceNames {
		mime := "text/plain"
		if name == "manifest" {
			mime = "text/csv"
		}
		server.AddResource(&mcp.Resource{
			Name:     name,
			MIMEType: mime,
			URI:      "embedded:" + name,
		}, h.embeddedResource)
	}
	return server
}

// Serve runs the server on stdin/stdout, or as streamable HTTP on addr if
// addr is not empty, until ctx is done.
func Serve(ctx context.Context, server *mcp.Server, addr string, logger log.Logger) error {
	if addr == "" {
		level.Info(logger).Log("msg", "starting MCP server using stdin/stdout")
		t := &mcp.LoggingTransport{Transport: &mcp.StdioTransport{}, Writer: os.Stderr}
		return server.Run(ctx, t)
	}
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, nil)
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	level.Info(logger).Log("msg", "MCP handler listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// load reads the manifest without creating it.
func (h *handler) load() (*manifest.Table, error) {
	f, err := os.Open(h.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	defer f.Close()
	return manifest.Read(f)
}

func (h *handler) embeddedResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	u, err := url.Parse(req.Params.URI)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "embedded" {
		return nil, fmt.Errorf("wrong scheme: %q", u.Scheme)
	}
	key := u.Opaque
	mime := "text/plain"
	var text string
	switch key {
	case "info":
		text = fmt.Sprintf("This is the 'datman' tool server for study %s. The manifest at %s lists every exam archive with its visit, session and session identifier.", h.Study, h.ManifestPath)
	case "manifest", "numarchives", "numparticipants", "numvisits":
		t, err := h.load()
		if err != nil {
			return nil, err
		}
		s := status.Summarize(t)
		switch key {
		case "manifest":
			var buf bytes.Buffer
			if err := t.Write(&buf); err != nil {
				return nil, err
			}
			text, mime = buf.String(), "text/csv"
		case "numarchives":
			text = strconv.Itoa(s.Archives)
		case "numparticipants":
			text = strconv.Itoa(s.Participants)
		case "numvisits":
			text = strconv.Itoa(s.Visits)
		}
	default:
		return nil, fmt.Errorf("no embedded resource named %q", key)
	}
	level.Debug(h.Logger).Log("msg", "read resource", "uri", req.Params.URI)
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{URI: req.Params.URI, MIMEType: mime, Text: text},
		},
	}, nil
}

func (h *handler) summaryTool(ctx context.Context, req *mcp.CallToolRequest, _ any) (*mcp.CallToolResult, status.Summary, error) {
	t, err := h.load()
	if err != nil {
		return nil, status.Summary{}, err
	}
	return nil, status.Summarize(t), nil
}

type lookupArgs struct {
	SourceName string `json:"source_name,omitempty" jsonschema:"the archive name without the .zip extension"`
}

// Row is a manifest row as returned by manifest/lookup.
type Row struct {
	SourceName  string `json:"source_name"`
	PatientID   string `json:"PatientID"`
	PatientName string `json:"PatientName"`
	StudyDate   int64  `json:"StudyDate"`
	StudyTime   int64  `json:"StudyTime"`
	Visit       int64  `json:"visit"`
	Session     int64  `json:"session"`
	TargetName  string `json:"target_name"`
	Uploaded    string `json:"uploaded"`
}

func (h *handler) lookupTool(ctx context.Context, req *mcp.CallToolRequest, args lookupArgs) (*mcp.CallToolResult, *Row, error) {
	name := strings.TrimSuffix(args.SourceName, ".zip")
	if name == "" {
		// ask the client for the archive name
		res, err := req.Session.Elicit(ctx, &mcp.ElicitParams{
			Message: "Which archive should be looked up?",
			RequestedSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"source_name": {Type: "string", Description: "The zip file name of the archive without extension.", Examples: []any{"2014_0126_FB001"}},
				},
				Required: []string{"source_name"},
			},
		})
		if err != nil {
			return nil, nil, fmt.Errorf("eliciting failed: %v", err)
		}
		if res.Action != "accept" {
			return nil, nil, errors.New("no archive name given")
		}
		s, _ := res.Content["source_name"].(string)
		name = strings.TrimSuffix(s, ".zip")
	}
	t, err := h.load()
	if err != nil {
		return nil, nil, err
	}
	r, ok := t.Lookup(name)
	if !ok {
		return nil, nil, fmt.Errorf("archive %q is not in the manifest", name)
	}
	return nil, &Row{
		SourceName:  r.SourceName,
		PatientID:   r.PatientID,
		PatientName: r.PatientName,
		StudyDate:   r.StudyDate,
		StudyTime:   r.StudyTime,
		Visit:       r.Visit,
		Session:     r.Session,
		TargetName:  r.TargetName,
		Uploaded:    r.Uploaded,
	}, nil
}

type scanIDArgs struct {
	ScanID string `json:"scanid" jsonschema:"the scan id, for example SPN01_CMH_0001_01_01_MR"`
}

// ScanID is the result of scanid/parse.
type ScanID struct {
	Study     string `json:"study"`
	Site      string `json:"site"`
	Subject   string `json:"subject"`
	Timepoint string `json:"timepoint"`
	Session   string `json:"session"`
	Modality  string `json:"modality"`
	Phantom   bool   `json:"phantom"`
	BIDSName  string `json:"bids_name"`
}

func scanIDTool(ctx context.Context, req *mcp.CallToolRequest, args scanIDArgs) (*mcp.CallToolResult, *ScanID, error) {
	id, err := scanid.Parse(args.ScanID)
	if err != nil {
		return nil, nil, fmt.Errorf("%q: %w", args.ScanID, err)
	}
	return nil, &ScanID{
		Study:     id.Study,
		Site:      id.Site,
		Subject:   id.Subject,
		Timepoint: id.Timepoint,
		Session:   id.Session(),
		Modality:  id.Modality,
		Phantom:   id.IsPhantom(),
		BIDSName:  id.BIDSName(),
	}, nil
}

func (h *handler) explainPrompt(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := req.Params.Arguments["source_name"]
	return &mcp.GetPromptResult{
		Description: "Explain a manifest row",
		Messages: []*mcp.PromptMessage{
			{
				Role: "user",
				Content: &mcp.TextContent{Text: "Look up the archive " + name + " with the manifest/lookup tool. " +
					"Explain its visit number (one more than the previous date of the same PatientName), " +
					"its session number (one more than the previous time on the same date) and its target_name."},
			},
		},
	}, nil
}

// complete suggests source names for the prompt and resource names for
// resource references.
func (h *handler) complete(ctx context.Context, req *mcp.CompleteRequest) (*mcp.CompleteResult, error) {
	var suggestions []string
	switch req.Params.Ref.Type {
	case "ref/prompt":
		t, err := h.load()
		if err != nil {
			return nil, err
		}
		for _, r := range t.Rows {
			if strings.HasPrefix(r.SourceName, req.Params.Argument.Value) {
				suggestions = append(suggestions, r.SourceName)
			}
		}
		sort.Strings(suggestions)
	case "ref/resource":
		suggestions = append(suggestions, resourceNames...)
	default:
		return nil, fmt.Errorf("unrecognized content type %s", req.Params.Ref.Type)
	}
	total := len(suggestions)
	if len(suggestions) > 100 {
		suggestions = suggestions[:100]
	}
	return &mcp.CompleteResult{
		Completion: mcp.CompletionResultDetails{
			Total:   total,
			HasMore: total > len(suggestions),
			Values:  suggestions,
		},
	}, nil
}
