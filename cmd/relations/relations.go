// Package relations contains the commands that link, unlink and list related items.
package relations

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"sigs.k8s.io/yaml"

	"github.com/openfga/kvrel/cmd/util"
	"github.com/openfga/kvrel/internal/keys"
	"github.com/openfga/kvrel/pkg/relation"
	"github.com/openfga/kvrel/pkg/storage"
)

const (
	ownerFlag     = "owner"
	relationFlag  = "relation"
	itemFlag      = "item"
	reverseFlag   = "reverse"
	oppositeFlag  = "opposite"
	unorderedFlag = "unordered"
	keysFlag      = "keys"
	outputFlag    = "output"
	pageSizeFlag  = "page-size"
	countFlag     = "count"
)

// NewLinkCommand returns the command linking two items.
func NewLinkCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Link an item to an owner item under a relation",
		Long: `Link the item to the owner item under a relation name. With --reverse the owner item is
also linked to the item under the reverse relation name.`,
		Example: `kvrel link --owner users:1 --relation posts --item posts:2 --reverse owner`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBatch(cmd, false)
		},
	}

	addBatchFlags(cmd)

	return cmd
}

// NewUnlinkCommand returns the command unlinking two items.
func NewUnlinkCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "unlink",
		Short:   "Unlink an item from an owner item under a relation",
		Long:    `Unlink the item from the owner item. With --reverse the reverse relation is unlinked too.`,
		Example: `kvrel unlink --owner users:1 --relation posts --item posts:2 --reverse owner`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBatch(cmd, true)
		},
	}

	addBatchFlags(cmd)

	return cmd
}

func addBatchFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String(ownerFlag, "", "(required) the owner item, as <collection>:<id>")
	flags.String(relationFlag, "", "(required) the relation name")
	flags.String(itemFlag, "", "(required) the related item, as <collection>:<id>")
	flags.String(reverseFlag, "", "the reverse relation name, from the item to the owner")

	_ = cmd.MarkFlagRequired(ownerFlag)
	_ = cmd.MarkFlagRequired(relationFlag)
	_ = cmd.MarkFlagRequired(itemFlag)
}

func runBatch(cmd *cobra.Command, unlink bool) error {
	flags := cmd.Flags()
	ownerRef, _ := flags.GetString(ownerFlag)
	name, _ := flags.GetString(relationFlag)
	itemRef, _ := flags.GetString(itemFlag)
	reverse, _ := flags.GetString(reverseFlag)

	ownerCollection, ownerID, err := util.ParseReference(ownerRef)
	if err != nil {
		return err
	}
	itemCollection, itemID, err := util.ParseReference(itemRef)
	if err != nil {
		return err
	}

	session, err := util.OpenSession()
	if err != nil {
		return err
	}
	defer session.Close(cmd.Context())

	owners, err := session.Sublevel(ownerCollection)
	if err != nil {
		return err
	}
	items, err := session.Sublevel(itemCollection)
	if err != nil {
		return err
	}

	builder := session.Engine.Relation(owners, items)
	if unlink {
		builder.Unlink(itemID).UnlinkedFrom(ownerID, name)
		if reverse != "" {
			builder.Also(ownerID).UnlinkedFrom(itemID, reverse)
		}
	} else {
		builder.Link(itemID).LinkedIn(ownerID, name)
		if reverse != "" {
			builder.Also(ownerID).LinkedIn(itemID, reverse)
		}
	}

	return builder.Execute(cmd.Context())
}

// NewListCommand returns the command listing the items related to an owner item.
func NewListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the items related to an owner item",
		Long: `List the items of the opposite collection related to the owner item, in the order they
were linked or, with --unordered, in key order.`,
		Example: `kvrel list --owner users:1 --relation posts --opposite posts --output yaml`,
		Args:    cobra.NoArgs,
		RunE:    runList,
	}

	flags := cmd.Flags()
	flags.String(ownerFlag, "", "(required) the owner item, as <collection>:<id>")
	flags.String(relationFlag, "", "(required) the relation name")
	flags.String(oppositeFlag, "", "(required) the collection holding the related items")
	flags.Bool(unorderedFlag, false, "list in key order instead of link order")
	flags.Bool(keysFlag, false, "list keys and timestamps without loading the related items")
	flags.String(outputFlag, "json", "the output format ('json' or 'yaml')")
	flags.Int(pageSizeFlag, 0, "the number of relation entries read from the datastore at a time")
	flags.Bool(countFlag, false, "print the number of related items only")

	_ = cmd.MarkFlagRequired(ownerFlag)
	_ = cmd.MarkFlagRequired(relationFlag)
	_ = cmd.MarkFlagRequired(oppositeFlag)

	return cmd
}

// Related is the printed form of a related item.
type Related struct {
	ID        string          `json:"id,omitempty"`
	Key       string          `json:"key"`
	Timestamp string          `json:"timestamp"`
	LinkedAt  time.Time       `json:"linkedAt"`
	Value     json.RawMessage `json:"value,omitempty"`
}

func runList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	flags := cmd.Flags()
	ownerRef, _ := flags.GetString(ownerFlag)
	name, _ := flags.GetString(relationFlag)
	opposite, _ := flags.GetString(oppositeFlag)
	unordered, _ := flags.GetBool(unorderedFlag)
	keysOnly, _ := flags.GetBool(keysFlag)
	output, _ := flags.GetString(outputFlag)
	pageSize, _ := flags.GetInt(pageSizeFlag)
	count, _ := flags.GetBool(countFlag)

	if output != "json" && output != "yaml" {
		return fmt.Errorf("invalid --output %q, expected 'json' or 'yaml'", output)
	}

	ownerCollection, ownerID, err := util.ParseReference(ownerRef)
	if err != nil {
		return err
	}

	session, err := util.OpenSession()
	if err != nil {
		return err
	}
	defer session.Close(ctx)

	owners, err := session.Sublevel(ownerCollection)
	if err != nil {
		return err
	}
	opposites, err := session.Sublevel(opposite)
	if err != nil {
		return err
	}

	resolver := session.Engine.Registry().Register(owners, name, opposites)

	if count {
		n, err := resolver.Count(ctx, ownerID)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
		return err
	}

	iter, err := resolver.By(ctx, ownerID,
		relation.WithOrdered(!unordered),
		relation.WithKeys(keysOnly),
		relation.WithPageSize(pageSize),
	)
	if err != nil {
		return err
	}
	defer iter.Stop()

	related := []Related{}
	for {
		r, err := iter.Next(ctx)
		if errors.Is(err, storage.ErrIteratorDone) {
			break
		}

		var resolveErr *relation.ResolveError
		if errors.As(err, &resolveErr) {
			session.Logger.WarnWithContext(ctx, "skipping unresolvable related item",
				zap.String("key", keys.Format(resolveErr.Key)),
				zap.Error(resolveErr.Err))
			continue
		}
		if err != nil {
			return err
		}

		related = append(related, Related{
			ID:        r.ID,
			Key:       keys.Format(r.Key),
			Timestamp: r.Timestamp.String(),
			LinkedAt:  r.Timestamp.Time().UTC(),
			Value:     r.Value,
		})
	}

	return writeOutput(cmd.OutOrStdout(), output, related)
}

func writeOutput(w io.Writer, output string, v any) error {
	var (
		out []byte
		err error
	)
	if output == "yaml" {
		out, err = yaml.Marshal(v)
	} else {
		out, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	if output == "json" {
		out = append(out, '\n')
	}

	_, err = w.Write(out)
	return err
}
