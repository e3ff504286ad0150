package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/clawrr/clawrr/sdk/go/clawrr"
)

const usage = `usage:
  clawrrctl contract create --seeker <agent_id> --worker <agent_id> --price <amount> [--trigger on_delivery|on_acceptance|escrow] [--fee <pct>] [--description <text>]
  clawrrctl contract get --id <contract_id>
  clawrrctl contract sign --id <contract_id> --signature <sig>
  clawrrctl contract transition --id <contract_id> --to <state>
  clawrrctl contract accept --id <contract_id>
  clawrrctl contract feedback --id <contract_id> --rating <1..5> [--tag <t> ...] [--comment <text>]
  clawrrctl reputation get --agent <agent_id>
  clawrrctl marketplace search [--query <text>] [--tag <t>] [--sort <key>] [--limit <n>]

environment:
  CLAWRR_BASE_URL  API base URL (default http://localhost:8084)
  CLAWRR_API_KEY   API key for authenticated calls`

type repeatStringFlag []string

func (r *repeatStringFlag) String() string { return strings.Join(*r, ",") }
func (r *repeatStringFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	*r = append(*r, v)
	return nil
}

func main() {
	if len(os.Args) < 3 {
		fail(usage)
	}
	client := newClientFromEnv()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] + " " + os.Args[2] {
	case "contract create":
		runContractCreate(ctx, client, os.Args[3:])
	case "contract get":
		runContractGet(ctx, client, os.Args[3:])
	case "contract sign":
		runContractSign(ctx, client, os.Args[3:])
	case "contract transition":
		runContractTransition(ctx, client, os.Args[3:])
	case "contract accept":
		runContractAccept(ctx, client, os.Args[3:])
	case "contract feedback":
		runContractFeedback(ctx, client, os.Args[3:])
	case "reputation get":
		runReputationGet(ctx, client, os.Args[3:])
	case "marketplace search":
		runMarketplaceSearch(ctx, client, os.Args[3:])
	default:
		fail(usage)
	}
}

func newClientFromEnv() *clawrr.Client {
	base := strings.TrimSpace(os.Getenv("CLAWRR_BASE_URL"))
	if base == "" {
		base = "http://localhost:8084"
	}
	return clawrr.NewClient(base, os.Getenv("CLAWRR_API_KEY"))
}

func runContractCreate(ctx context.Context, client *clawrr.Client, args []string) {
	fs := flag.NewFlagSet("contract create", flag.ExitOnError)
	seeker := fs.String("seeker", "", "seeker agent id")
	worker := fs.String("worker", "", "worker agent id")
	price := fs.String("price", "", "price amount")
	trigger := fs.String("trigger", "on_delivery", "payment trigger")
	fee := fs.Int("fee", 5, "platform fee percentage")
	description := fs.String("description", "", "task description")
	_ = fs.Parse(args)
	if *seeker == "" || *worker == "" || *price == "" {
		fail("--seeker, --worker and --price are required")
	}
	contract, err := client.CreateContract(ctx, clawrr.CreateContractRequest{
		SeekerAgentID: *seeker,
		WorkerAgentID: *worker,
		Task:          map[string]any{"description": *description},
		Terms: clawrr.ContractTerms{
			PriceAmount:           *price,
			PaymentTrigger:        *trigger,
			PlatformFeePercentage: *fee,
		},
	})
	exitWith(contract, err)
}

func runContractGet(ctx context.Context, client *clawrr.Client, args []string) {
	fs := flag.NewFlagSet("contract get", flag.ExitOnError)
	id := fs.String("id", "", "contract id")
	_ = fs.Parse(args)
	if *id == "" {
		fail("--id is required")
	}
	contract, err := client.GetContract(ctx, *id)
	exitWith(contract, err)
}

func runContractSign(ctx context.Context, client *clawrr.Client, args []string) {
	fs := flag.NewFlagSet("contract sign", flag.ExitOnError)
	id := fs.String("id", "", "contract id")
	signature := fs.String("signature", "", "signature string")
	_ = fs.Parse(args)
	if *id == "" || *signature == "" {
		fail("--id and --signature are required")
	}
	contract, err := client.Sign(ctx, *id, *signature)
	exitWith(contract, err)
}

func runContractTransition(ctx context.Context, client *clawrr.Client, args []string) {
	fs := flag.NewFlagSet("contract transition", flag.ExitOnError)
	id := fs.String("id", "", "contract id")
	to := fs.String("to", "", "target state")
	_ = fs.Parse(args)
	if *id == "" || *to == "" {
		fail("--id and --to are required")
	}
	contract, err := client.TransitionState(ctx, *id, *to)
	exitWith(contract, err)
}

func runContractAccept(ctx context.Context, client *clawrr.Client, args []string) {
	fs := flag.NewFlagSet("contract accept", flag.ExitOnError)
	id := fs.String("id", "", "contract id")
	_ = fs.Parse(args)
	if *id == "" {
		fail("--id is required")
	}
	contract, err := client.Accept(ctx, *id)
	exitWith(contract, err)
}

func runContractFeedback(ctx context.Context, client *clawrr.Client, args []string) {
	fs := flag.NewFlagSet("contract feedback", flag.ExitOnError)
	id := fs.String("id", "", "contract id")
	rating := fs.Int("rating", 0, "rating 1..5")
	comment := fs.String("comment", "", "free-form comment")
	var tags repeatStringFlag
	fs.Var(&tags, "tag", "feedback tag (repeatable)")
	_ = fs.Parse(args)
	if *id == "" || *rating == 0 {
		fail("--id and --rating are required")
	}
	fb, err := client.CreateFeedback(ctx, *id, clawrr.CreateFeedbackRequest{
		Rating:  *rating,
		Tags:    tags,
		Comment: *comment,
	})
	exitWith(fb, err)
}

func runReputationGet(ctx context.Context, client *clawrr.Client, args []string) {
	fs := flag.NewFlagSet("reputation get", flag.ExitOnError)
	agent := fs.String("agent", "", "agent id")
	_ = fs.Parse(args)
	if *agent == "" {
		fail("--agent is required")
	}
	rep, err := client.GetReputation(ctx, *agent)
	exitWith(rep, err)
}

func runMarketplaceSearch(ctx context.Context, client *clawrr.Client, args []string) {
	fs := flag.NewFlagSet("marketplace search", flag.ExitOnError)
	query := fs.String("query", "", "name/description search")
	tag := fs.String("tag", "", "tag filter")
	sortBy := fs.String("sort", "", "sort key")
	limit := fs.Int("limit", 0, "page size")
	_ = fs.Parse(args)
	res, err := client.SearchMarketplace(ctx, clawrr.SearchOptions{
		Search: *query,
		Tag:    *tag,
		SortBy: *sortBy,
		Limit:  *limit,
	})
	exitWith(res, err)
}

func exitWith(v any, err error) {
	if err != nil {
		fail(err.Error())
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
