package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.etcd.io/bbolt"

	"github.com/nogproject/nog/internal/blobstore"
	"github.com/nogproject/nog/internal/entrycache"
	"github.com/nogproject/nog/internal/httpclient"
	"github.com/nogproject/nog/internal/model"
	"github.com/nogproject/nog/internal/nogerr"
	"github.com/nogproject/nog/internal/poststream"
	"github.com/nogproject/nog/internal/remoterepo"
	"github.com/nogproject/nog/internal/signer"
)

// uploadCmd publishes a local directory as a dataset tree under a repo's
// master ref, the Go equivalent of the original tools/datadir-upload's
// upload(dirToUpload, repoName, overwrite): walk the directory into a
// model.Tree, check for a same-named existing entry under master, remove
// it only when --force-overwrite is given, then commit the new tree.
var uploadCmd = &cobra.Command{
	Use:   "upload <dir> <repo-full-name>",
	Short: "Upload a local directory as a dataset tree",
	Args:  cobra.ExactArgs(2),
	RunE:  runUpload,
}

func init() {
	uploadCmd.Flags().Bool("force-overwrite", false, "replace an existing same-named dataset entry")
	uploadCmd.Flags().String("ref", "master", "ref to commit onto")
	uploadCmd.Flags().String("message", "Dataset upload", "commit subject")
}

func runUpload(cmd *cobra.Command, args []string) error {
	dir := args[0]
	repoFullName := args[1]

	forceOverwrite, err := cmd.Flags().GetBool("force-overwrite")
	if err != nil {
		return err
	}
	refName, err := cmd.Flags().GetString("ref")
	if err != nil {
		return err
	}
	subject, err := cmd.Flags().GetString("message")
	if err != nil {
		return err
	}

	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	client := httpclient.New(httpclient.Config{
		BaseURL: cfg.APIURL,
		Credentials: signer.Credentials{
			KeyID:     cfg.KeyID,
			SecretKey: cfg.SecretKey,
		},
		MaxRetries: cfg.MaxRetries,
	})

	dbPath := filepath.Join(cfg.CachePath, "nog.db")
	if err := os.MkdirAll(cfg.CachePath, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	db, err := bbolt.Open(dbPath, 0o644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("open cache db: %w", err)
	}
	defer db.Close()

	known, err := entrycache.NewPersistentRepoKnownSet(db, repoFullName)
	if err != nil {
		return fmt.Errorf("load known-sha1 set: %w", err)
	}
	cache := entrycache.New(
		entrycache.NewMemCache(),
		entrycache.NewDiskCache(filepath.Join(cfg.CachePath, "entries")),
	)

	repo := remoterepo.New(client, repoFullName, cache, known, remoterepo.ErrataPolicy(cfg.Errata))

	parent, err := repo.GetRef(ctx, refName)
	if err != nil && !nogerr.Is(err, nogerr.NotFound) {
		return fmt.Errorf("get ref %s: %w", refName, err)
	}

	root := model.NewTree("")
	if parent != "" {
		existing, err := repo.GetTree(ctx, parent)
		if err != nil {
			return fmt.Errorf("get root tree %s: %w", parent, err)
		}
		root = existing
	}

	name := filepath.Base(filepath.Clean(dir))
	i, err := findNamedChild(ctx, repo, root, name)
	if err != nil {
		return fmt.Errorf("look up existing entry %q: %w", name, err)
	}
	if i >= 0 {
		if !forceOverwrite {
			return fmt.Errorf("entry %q already exists under ref %s; pass --force-overwrite to replace it", name, refName)
		}
		root.Pop(i)
	}

	subtree, err := buildTree(dir, name)
	if err != nil {
		return fmt.Errorf("walk %s: %w", dir, err)
	}
	root.Append(subtree)

	uploader := blobstore.New(0)
	newHead, err := poststream.CommitTree(ctx, repo, uploader, subject, root, parent, refName)
	if err != nil {
		return fmt.Errorf("commit tree: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", newHead)
	return nil
}

// findNamedChild returns the index of t's child named name, or -1. A
// previously published tree's children come back as plain {type, sha1}
// refs (model.Tree.Hydrate is the caller's responsibility), so each
// unhydrated child is fetched and hydrated in place before its name can be
// compared; otherwise --force-overwrite would never detect a same-named
// entry already under the ref.
func findNamedChild(ctx context.Context, repo *remoterepo.Repo, t *model.Tree, name string) (int, error) {
	for i, c := range t.Children() {
		if !c.IsHydrated() {
			var e model.Entry
			var err error
			switch c.Ref.Type {
			case model.TypeObject:
				e, err = repo.GetObject(ctx, c.Ref.SHA1)
			case model.TypeTree:
				e, err = repo.GetTree(ctx, c.Ref.SHA1)
			default:
				continue
			}
			if err != nil {
				return -1, err
			}
			t.Hydrate(i, e)
			c = t.Children()[i]
		}
		var childName string
		switch e := c.Hydrated.(type) {
		case *model.Object:
			childName = e.Name()
		case *model.Tree:
			childName = e.Name()
		}
		if childName == name {
			return i, nil
		}
	}
	return -1, nil
}

// buildTree recursively mirrors a local directory into a hydrated
// model.Tree: subdirectories become nested trees, files become objects
// with a pending local blob.
func buildTree(dir, name string) (*model.Tree, error) {
	t := model.NewTree(name)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, ent := range entries {
		childPath := filepath.Join(dir, ent.Name())
		if ent.IsDir() {
			child, err := buildTree(childPath, ent.Name())
			if err != nil {
				return nil, err
			}
			t.Append(child)
			continue
		}
		o := model.NewObject(ent.Name())
		o.SetBlobLocal(model.NewBlobPath(childPath, ent.Name()))
		t.Append(o)
	}
	return t, nil
}
