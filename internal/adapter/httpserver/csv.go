package httpserver

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/backspacevenkat/x-orchestrator/internal/domain"
	"github.com/backspacevenkat/x-orchestrator/pkg/textx"
)

// taskTypeAliases maps the Action-import CSV's short column values onto JobType, per
// spec.md §6: "like|rt|retweet|reply|quote|post|follow|dm map to internal types".
var taskTypeAliases = map[string]domain.JobType{
	"like":    domain.JobTypeLike,
	"rt":      domain.JobTypeRetweet,
	"retweet": domain.JobTypeRetweet,
	"reply":   domain.JobTypeReply,
	"quote":   domain.JobTypeQuote,
	"post":    domain.JobTypeCreatePost,
	"follow":  domain.JobTypeFollow,
	"dm":      domain.JobTypeDirectMessage,
}

// parseActionImportCSV reads the Action-import CSV format (required columns account_no,
// task_type; conditionally-required source_tweet/text_content/user; optional media, priority,
// api_method) and returns one domain.Job per data row. account_no is carried through as
// InputParams metadata — TaskQueue still pairs the job with whichever available worker the
// round-robin pass selects, per §4.4; pinning dispatch to one specific account is out of
// scope (see DESIGN.md).
func parseActionImportCSV(r io.Reader) ([]domain.Job, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: empty or unreadable CSV: %v", domain.ErrInvalidArgument, err)
	}
	col := indexHeader(header)
	for _, required := range []string{"account_no", "task_type"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("%w: missing required column %q", domain.ErrInvalidArgument, required)
		}
	}

	var jobs []domain.Job
	rowNum := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", domain.ErrInvalidArgument, rowNum, err)
		}
		rowNum++

		accountNo := field(row, col, "account_no")
		rawType := strings.ToLower(strings.TrimSpace(field(row, col, "task_type")))
		if accountNo == "" || rawType == "" {
			return nil, fmt.Errorf("%w: row %d: account_no and task_type are required", domain.ErrInvalidArgument, rowNum)
		}
		jobType, ok := taskTypeAliases[rawType]
		if !ok {
			return nil, fmt.Errorf("%w: row %d: unknown task_type %q", domain.ErrInvalidArgument, rowNum, rawType)
		}

		params := map[string]any{"account_no": accountNo}

		apiMethod := field(row, col, "api_method")
		switch jobType {
		case domain.JobTypeLike, domain.JobTypeRetweet, domain.JobTypeReply, domain.JobTypeQuote:
			srcTweet := field(row, col, "source_tweet")
			if srcTweet == "" {
				return nil, fmt.Errorf("%w: row %d: source_tweet is required for %q", domain.ErrInvalidArgument, rowNum, rawType)
			}
			tweetID, err := tweetIDFromURL(srcTweet)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d: %v", domain.ErrInvalidArgument, rowNum, err)
			}
			params["tweet_id"] = tweetID
			params["source_tweet"] = srcTweet
			if jobType == domain.JobTypeReply || jobType == domain.JobTypeQuote {
				text := textx.SanitizeText(field(row, col, "text_content"))
				if text == "" {
					return nil, fmt.Errorf("%w: row %d: text_content is required for %q", domain.ErrInvalidArgument, rowNum, rawType)
				}
				params["text_content"] = text
			}
		case domain.JobTypeCreatePost:
			text := textx.SanitizeText(field(row, col, "text_content"))
			if text == "" {
				return nil, fmt.Errorf("%w: row %d: text_content is required for post", domain.ErrInvalidArgument, rowNum)
			}
			params["text_content"] = text
		case domain.JobTypeFollow:
			user := field(row, col, "user")
			if user == "" {
				return nil, fmt.Errorf("%w: row %d: user is required for follow", domain.ErrInvalidArgument, rowNum)
			}
			params["user"] = user
		case domain.JobTypeDirectMessage:
			user := field(row, col, "user")
			text := textx.SanitizeText(field(row, col, "text_content"))
			if user == "" || text == "" {
				return nil, fmt.Errorf("%w: row %d: user and text_content are required for dm", domain.ErrInvalidArgument, rowNum)
			}
			params["user"] = user
			params["text_content"] = text
			apiMethod = "rest" // fixed per spec.md §6
		}

		if media := field(row, col, "media"); media != "" {
			params["media"] = media
		}
		if apiMethod != "" {
			if apiMethod != "graphql" && apiMethod != "rest" {
				return nil, fmt.Errorf("%w: row %d: api_method must be graphql or rest", domain.ErrInvalidArgument, rowNum)
			}
			params["api_method"] = apiMethod
		}

		priority := 0
		if p := field(row, col, "priority"); p != "" {
			n, err := strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d: priority must be an integer", domain.ErrInvalidArgument, rowNum)
			}
			priority = n
		}

		jobs = append(jobs, domain.Job{Type: jobType, InputParams: params, Priority: priority})
	}
	return jobs, nil
}

// parseScrapeUploadCSV reads the simpler `jobs/upload` CSV format: one `Username` column,
// one scrape job of jobType per row, per spec.md §6.
func parseScrapeUploadCSV(r io.Reader, jobType domain.JobType) ([]domain.Job, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: empty or unreadable CSV: %v", domain.ErrInvalidArgument, err)
	}
	col := indexHeader(header)
	if _, ok := col["username"]; !ok {
		return nil, fmt.Errorf("%w: missing required column %q", domain.ErrInvalidArgument, "Username")
	}

	var jobs []domain.Job
	rowNum := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", domain.ErrInvalidArgument, rowNum, err)
		}
		rowNum++
		username := field(row, col, "username")
		if username == "" {
			return nil, fmt.Errorf("%w: row %d: Username is required", domain.ErrInvalidArgument, rowNum)
		}
		jobs = append(jobs, domain.Job{Type: jobType, InputParams: map[string]any{"username": username}})
	}
	return jobs, nil
}

func indexHeader(header []string) map[string]int {
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	return col
}

func field(row []string, col map[string]int, name string) string {
	i, ok := col[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// tweetIDFromURL extracts the tweet id substring after "/status/" up to the next "?" or "/",
// per spec.md §6.
func tweetIDFromURL(url string) (string, error) {
	idx := strings.Index(url, "/status/")
	if idx == -1 {
		return "", fmt.Errorf("source_tweet %q has no /status/ segment", url)
	}
	rest := url[idx+len("/status/"):]
	if q := strings.IndexAny(rest, "?/"); q != -1 {
		rest = rest[:q]
	}
	if rest == "" {
		return "", fmt.Errorf("source_tweet %q has an empty tweet id", url)
	}
	return rest, nil
}
