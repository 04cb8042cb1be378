// Command bolt is an administrative CLI for inspecting and validating
// database files produced by the bolt package.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flowkv/bolt"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bolt",
	Short: "bolt is a tool for inspecting bolt database files",
}

func init() {
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(pagesCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(treeCmd)
	rootCmd.AddCommand(checkCmd)
}

// openReadOnly opens a database file in read-only mode, the only mode the
// CLI is ever permitted to use.
func openReadOnly(path string) (*bolt.DB, error) {
	return bolt.Open(path, 0666, &bolt.Options{ReadOnly: true})
}

var infoCmd = &cobra.Command{
	Use:   "info PATH",
	Short: "Print basic information about a database file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openReadOnly(args[0])
		if err != nil {
			return err
		}
		defer db.Close()

		return db.View(func(tx *bolt.Tx) error {
			fmt.Printf("Path:          %s\n", db.Path())
			fmt.Printf("Transaction ID: %d\n", tx.ID())
			fmt.Printf("Size:          %d bytes\n", tx.Size())

			var bucketN int
			_ = tx.ForEach(func(name []byte, b *bolt.Bucket) error {
				bucketN++
				return nil
			})
			fmt.Printf("Buckets:       %d\n", bucketN)
			return nil
		})
	},
}

var pagesCmd = &cobra.Command{
	Use:   "pages PATH",
	Short: "Print page usage for a database file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openReadOnly(args[0])
		if err != nil {
			return err
		}
		defer db.Close()

		return db.View(func(tx *bolt.Tx) error {
			fmt.Printf("%-8s %-10s %-8s %-8s %s\n", "ID", "TYPE", "ITEMS", "OVRFLW", "CHECKSUM")
			for id := 0; ; id++ {
				info, err := tx.Page(id)
				if err != nil {
					return err
				} else if info == nil {
					break
				}
				fmt.Printf("%-8d %-10s %-8d %-8d %016x\n", info.ID, info.Type, info.Count, info.OverflowCount, info.Checksum)
			}
			return nil
		})
	},
}

var dumpRecursive bool

var dumpCmd = &cobra.Command{
	Use:   "dump PATH [bucket...]",
	Short: "Print every key/value pair in the named buckets (or all buckets)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openReadOnly(args[0])
		if err != nil {
			return err
		}
		defer db.Close()

		names := args[1:]

		return db.View(func(tx *bolt.Tx) error {
			if len(names) == 0 {
				return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
					return dumpBucket(string(name), b)
				})
			}
			for _, name := range names {
				b := tx.Bucket([]byte(name))
				if b == nil {
					return fmt.Errorf("bucket not found: %s", name)
				}
				if err := dumpBucket(name, b); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

func init() {
	dumpCmd.Flags().BoolVar(&dumpRecursive, "recursive", true, "descend into nested buckets")
}

func dumpBucket(name string, b *bolt.Bucket) error {
	fmt.Printf("bucket: %s\n", name)
	return b.ForEach(func(k, v []byte) error {
		if v == nil {
			if dumpRecursive {
				fmt.Printf("  bucket: %s\n", k)
				if child := b.Bucket(k); child != nil {
					return dumpBucket(name+"/"+string(k), child)
				}
			}
			return nil
		}
		fmt.Printf("  %x = %x\n", k, v)
		return nil
	})
}

var treeCmd = &cobra.Command{
	Use:   "tree PATH",
	Short: "Print the bucket hierarchy of a database file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openReadOnly(args[0])
		if err != nil {
			return err
		}
		defer db.Close()

		return db.View(func(tx *bolt.Tx) error {
			return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
				return printTree(string(name), b, 0)
			})
		})
	},
}

func printTree(name string, b *bolt.Bucket, depth int) error {
	fmt.Printf("%s%s\n", indent(depth), name)
	return b.ForEachBucket(func(k []byte) error {
		if child := b.Bucket(k); child != nil {
			return printTree(string(k), child, depth+1)
		}
		return nil
	})
}

func indent(depth int) string {
	buf := make([]byte, depth*2)
	for i := range buf {
		buf[i] = ' '
	}
	return string(buf)
}

var checkCmd = &cobra.Command{
	Use:   "check PATH",
	Short: "Run the internal consistency checker against a database file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openReadOnly(args[0])
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Check(); err != nil {
			return err
		}
		fmt.Println("OK")
		return nil
	},
}
