// Package items contains the commands that write and read the items of a collection.
package items

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfga/kvrel/cmd/util"
)

const (
	indexFlag = "index"
	byFlag    = "by"
)

// NewPutCommand returns the command storing a JSON item.
func NewPutCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <collection> <id> <json>",
		Short: "Store an item in a collection",
		Long: `Store a JSON item under an id in a collection, replacing any previous item.

Collections are slash separated paths such as "users" or "org/users". Fields passed with
--index are indexed so the item can later be found by value.`,
		Example: `kvrel put users 1 '{"username":"john"}' --index username`,
		Args:    cobra.ExactArgs(3),
		RunE:    runPut,
	}

	cmd.Flags().StringSlice(indexFlag, nil, "the fields of the item to index")

	return cmd
}

func runPut(cmd *cobra.Command, args []string) error {
	collection, id, raw := args[0], args[1], args[2]

	var value json.RawMessage
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return fmt.Errorf("invalid item: %w", err)
	}

	indexes, err := cmd.Flags().GetStringSlice(indexFlag)
	if err != nil {
		return err
	}

	session, err := util.OpenSession()
	if err != nil {
		return err
	}
	defer session.Close(cmd.Context())

	sub, err := session.Sublevel(collection)
	if err != nil {
		return err
	}
	for _, field := range indexes {
		sub.Index(field)
	}

	return sub.Put(cmd.Context(), id, value)
}

// NewGetCommand returns the command printing a stored item.
func NewGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <collection> [id]",
		Short: "Print an item of a collection",
		Long: `Print the JSON item stored under an id in a collection, or the ids of the items whose
indexed field has a value when --by field=value is given.`,
		Example: `kvrel get users 1
kvrel get users --by username=john`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runGet,
	}

	cmd.Flags().String(byFlag, "", "find items by an indexed field, as field=value")

	return cmd
}

func runGet(cmd *cobra.Command, args []string) error {
	by, err := cmd.Flags().GetString(byFlag)
	if err != nil {
		return err
	}
	if (len(args) == 2) == (by != "") {
		return errors.New("exactly one of an id or --by must be given")
	}

	session, err := util.OpenSession()
	if err != nil {
		return err
	}
	defer session.Close(cmd.Context())

	sub, err := session.Sublevel(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if by != "" {
		field, value, ok := strings.Cut(by, "=")
		if !ok || field == "" {
			return fmt.Errorf("invalid --by %q, expected field=value", by)
		}

		ids, err := sub.Index(field).FindBy(cmd.Context(), field, value)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := fmt.Fprintln(out, id); err != nil {
				return err
			}
		}
		return nil
	}

	raw, err := sub.GetRaw(cmd.Context(), args[1])
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(out, string(raw))
	return err
}
